package errors

import "fmt"

// Chat and call specific error constructors.

// NotParticipantError is returned when a user touches a chat they are
// not a member of.
func NotParticipantError(chatID, userID string) *AppError {
	return New(ErrorTypeAuthorization, "NOT_PARTICIPANT",
		fmt.Sprintf("user %s is not a participant of chat %s", userID, chatID)).
		WithSeverity(SeverityLow).
		WithUserMessage("You are not a participant in this chat.")
}

// InvalidRequestError covers malformed or incomplete request bodies.
func InvalidRequestError(reason string) *AppError {
	return New(ErrorTypeValidation, "INVALID_REQUEST", reason).
		WithSeverity(SeverityLow)
}

// SendRateLimitError is returned when a user exceeds the message send rate.
func SendRateLimitError(userID string) *AppError {
	return New(ErrorTypeRateLimit, "SEND_RATE_LIMITED",
		fmt.Sprintf("send rate exceeded for user %s", userID)).
		WithSeverity(SeverityMedium).
		WithUserMessage("You are sending messages too quickly. Please slow down.")
}

// CallNotFoundError is returned when a call lifecycle transition names a
// call that does not exist or is not in a transitionable state.
func CallNotFoundError(callID string) *AppError {
	return New(ErrorTypeNotFound, "CALL_NOT_FOUND",
		fmt.Sprintf("call %s not found or not in a valid state", callID)).
		WithSeverity(SeverityLow).
		WithUserMessage("This call is no longer available.")
}

// DeliveryError wraps a failed push-connection send. Non-fatal: the
// dispatcher evicts the connection and continues.
func DeliveryError(key string, cause error) *AppError {
	return Wrap(cause, ErrorTypeNetwork, "DELIVERY_FAILED",
		fmt.Sprintf("push delivery failed for key %s", key)).
		WithSeverity(SeverityLow)
}

// StorageError wraps a failed store operation.
func StorageError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "STORAGE_ERROR",
		fmt.Sprintf("storage operation %s failed", operation)).
		WithSeverity(SeverityHigh).
		WithUserMessage("A storage error occurred. Please try again.")
}

// BusPublishError wraps a failed bus publish.
func BusPublishError(topic string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "BUS_PUBLISH_FAILED",
		fmt.Sprintf("publish to topic %s failed", topic)).
		WithSeverity(SeverityHigh)
}

/* ------------------------------------------------------------------ *
|  Media acquisition failure classes (client side)                    |
* -------------------------------------------------------------------*/

// MediaFailureClass partitions media-acquisition failures so the UI can
// show a specific message rather than a generic one.
type MediaFailureClass string

const (
	MediaPermissionDenied MediaFailureClass = "permission-denied"
	MediaNoDevice         MediaFailureClass = "no-device"
	MediaDeviceBusy       MediaFailureClass = "device-busy"
	MediaOther            MediaFailureClass = "other"
)

// MediaError reports a classified media-acquisition failure. The call
// session aborts back to idle whenever one of these is produced.
type MediaError struct {
	Class MediaFailureClass
	Cause error
}

func (e *MediaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("media acquisition failed (%s): %v", e.Class, e.Cause)
	}
	return fmt.Sprintf("media acquisition failed (%s)", e.Class)
}

func (e *MediaError) Unwrap() error { return e.Cause }

// NewMediaError builds a classified media error.
func NewMediaError(class MediaFailureClass, cause error) *MediaError {
	return &MediaError{Class: class, Cause: cause}
}
