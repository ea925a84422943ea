// Package identity gives each node a stable ed25519-derived ID, persisted
// under the user's home directory so restarts keep the same identity.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// NodeIDFileName is the file where the node's private key is stored.
	NodeIDFileName = "node_id.key"
	// NodeIDDir is the directory holding node identity files.
	NodeIDDir = ".parley"
)

// NodeIdentity holds the node's identity information.
type NodeIdentity struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"` // Only stored locally
	NodeID     string `json:"node_id"`               // Human-readable node ID
}

// GenerateNodeIdentity creates a new identity with a fresh ed25519 keypair.
func GenerateNodeIdentity() (*NodeIdentity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	pubKeyHex := hex.EncodeToString(publicKey)
	privKeyHex := hex.EncodeToString(privateKey)

	return &NodeIdentity{
		PublicKey:  pubKeyHex,
		PrivateKey: privKeyHex,
		NodeID:     nodeIDFromPublicKey(pubKeyHex),
	}, nil
}

// GetOrCreateNodeIdentity loads the persisted identity, creating one on
// first boot.
func GetOrCreateNodeIdentity() (*NodeIdentity, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	idPath := filepath.Join(homeDir, NodeIDDir, NodeIDFileName)

	if _, err := os.Stat(idPath); os.IsNotExist(err) {
		identity, err := GenerateNodeIdentity()
		if err != nil {
			return nil, fmt.Errorf("failed to generate node identity: %w", err)
		}
		if err := saveNodeIdentity(identity, idPath); err != nil {
			return nil, fmt.Errorf("failed to save node identity: %w", err)
		}
		return identity, nil
	}

	return loadNodeIdentity(idPath)
}

func nodeIDFromPublicKey(pubKeyHex string) string {
	return fmt.Sprintf("node-%s", pubKeyHex[:16])
}

// saveNodeIdentity writes the private key with restricted permissions. The
// public key is derived on load.
func saveNodeIdentity(identity *NodeIdentity, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	content := fmt.Sprintf("%s\n", identity.PrivateKey)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write node ID file: %w", err)
	}
	return nil
}

func loadNodeIdentity(path string) (*NodeIdentity, error) {
	cleanedPath := filepath.Clean(path)
	if strings.Contains(cleanedPath, "..") {
		return nil, fmt.Errorf("invalid path: directory traversal detected")
	}
	if len(cleanedPath) > 256 {
		return nil, fmt.Errorf("invalid path: path too long")
	}

	content, err := os.ReadFile(cleanedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read node ID file: %w", err)
	}

	privKeyHex := string(content)
	// An ed25519 private key is 64 bytes, 128 hex characters.
	if len(privKeyHex) > 128 {
		privKeyHex = privKeyHex[:128]
	}

	privKeyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	privateKey := ed25519.PrivateKey(privKeyBytes)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	pubKeyHex := hex.EncodeToString(publicKey)

	return &NodeIdentity{
		PublicKey:  pubKeyHex,
		PrivateKey: privKeyHex,
		NodeID:     nodeIDFromPublicKey(pubKeyHex),
	}, nil
}
