package client

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/logger"
)

// Factory opens one fresh connection for the stream being managed.
type Factory[T any] func(ctx context.Context) (Stream[T], error)

// Backoff defaults applied when Options fields are left zero.
const (
	DefaultInitialDelay = time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 30 * time.Second
)

// Options controls the reconnect policy of a Manager.
type Options struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts bounds consecutive failed connection attempts.
	// Zero means unlimited.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

type managerState int

const (
	stateDisconnected managerState = iota
	stateConnecting
	stateConnected
)

// Manager keeps a single logical stream subscription alive across
// disconnects. It retries with exponential backoff, fans each received
// event out to every registered handler, and treats a naturally ended
// stream the same as a failed one. Close is terminal: a closed Manager
// never reconnects and a new one must be constructed instead.
type Manager[T any] struct {
	factory Factory[T]
	opts    Options
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       managerState
	attempts    int
	stream      Stream[T]
	timer       *time.Timer
	closed      bool
	handlers    []func(T)
	errHandlers []func(error)
	cleanups    []func()
}

// NewManager wraps factory with the given reconnect policy. The manager is
// idle until Connect is called.
func NewManager[T any](factory Factory[T], opts Options) *Manager[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager[T]{
		factory: factory,
		opts:    opts.withDefaults(),
		log:     logger.New("stream-manager"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnEvent registers a handler invoked for every received event. Handler
// panics are recovered and logged so one failing handler cannot stop
// delivery to the others.
func (m *Manager[T]) OnEvent(h func(T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.handlers = append(m.handlers, h)
}

// OnError registers a handler invoked when a connection attempt fails or an
// established stream breaks.
func (m *Manager[T]) OnError(h func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.errHandlers = append(m.errHandlers, h)
}

// OnCleanup registers a callback run exactly once when the manager is closed.
func (m *Manager[T]) OnCleanup(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		f()
		return
	}
	m.cleanups = append(m.cleanups, f)
}

// Connected reports whether an established stream is currently consumed.
func (m *Manager[T]) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateConnected
}

// Attempts returns the count of consecutive failed connection attempts.
func (m *Manager[T]) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the stream if the manager is idle. It is a no-op while a
// connection is established or being established, and permanently a no-op
// after Close.
func (m *Manager[T]) Connect() {
	m.mu.Lock()
	if m.closed || m.state != stateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = stateConnecting
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	stream, err := m.factory(m.ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err == nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		m.state = stateDisconnected
		errHandlers := append([]func(error){}, m.errHandlers...)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.log.Warn("Stream connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		for _, h := range errHandlers {
			m.invokeErrHandler(h, err)
		}
		return
	}
	m.state = stateConnected
	m.attempts = 0
	m.stream = stream
	m.mu.Unlock()

	go m.consume(stream)
}

// consume reads the stream until it fails or ends. A natural end of stream
// is retried like any failure; only Close stops the manager for good.
func (m *Manager[T]) consume(s Stream[T]) {
	for {
		event, err := s.Recv()
		if err != nil {
			_ = s.Close()
			m.mu.Lock()
			if m.closed || m.stream != s {
				m.mu.Unlock()
				return
			}
			m.stream = nil
			m.state = stateDisconnected
			errHandlers := append([]func(error){}, m.errHandlers...)
			m.scheduleReconnectLocked()
			m.mu.Unlock()
			m.log.Debug("Stream ended, scheduling reconnect", zap.Error(err))
			for _, h := range errHandlers {
				m.invokeErrHandler(h, err)
			}
			return
		}

		m.mu.Lock()
		if m.closed || m.stream != s {
			m.mu.Unlock()
			_ = s.Close()
			return
		}
		handlers := append([]func(T){}, m.handlers...)
		m.mu.Unlock()

		for _, h := range handlers {
			m.invokeHandler(h, event)
		}
	}
}

func (m *Manager[T]) invokeHandler(h func(T), event T) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Stream event handler panicked", zap.Any("panic", r))
		}
	}()
	h(event)
}

func (m *Manager[T]) invokeErrHandler(h func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Stream error handler panicked", zap.Any("panic", r))
		}
	}()
	h(err)
}

// scheduleReconnectLocked arms the reconnect timer, replacing any pending
// one. Caller must hold m.mu.
func (m *Manager[T]) scheduleReconnectLocked() {
	if m.opts.MaxAttempts > 0 && m.attempts >= m.opts.MaxAttempts {
		m.log.Warn("Giving up on stream after max connection attempts",
			zap.Int("attempts", m.attempts))
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	delay := m.delayFor(m.attempts)
	m.timer = time.AfterFunc(delay, m.Connect)
}

// delayFor computes the backoff delay after n consecutive failures.
func (m *Manager[T]) delayFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(m.opts.InitialDelay) * math.Pow(m.opts.Multiplier, float64(n-1)))
	if d > m.opts.MaxDelay || d <= 0 {
		d = m.opts.MaxDelay
	}
	return d
}

// Close permanently stops the manager: the pending reconnect timer is
// cancelled, the live stream (if any) is closed, cleanup callbacks run
// exactly once and all handler registrations are dropped. Connect is a
// no-op afterwards.
func (m *Manager[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = stateDisconnected
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	stream := m.stream
	m.stream = nil
	cleanups := m.cleanups
	m.handlers = nil
	m.errHandlers = nil
	m.cleanups = nil
	m.mu.Unlock()

	m.cancel()
	if stream != nil {
		_ = stream.Close()
	}
	for _, f := range cleanups {
		f()
	}
}
