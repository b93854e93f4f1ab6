package uploadsvc

import (
	"bytes"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// KeyType is the PEM block type for upload signing keys.
const KeyType = "UPLOAD SIGNING KEY"

// DefaultKeySize is the default signing key size in bytes.
const DefaultKeySize = 32

// ErrInvalidSigningKey is returned when a key file does not hold a usable signing key.
var ErrInvalidSigningKey = errors.New("invalid signing key")

// DecodeSigningKey reads and decodes a PEM-encoded signing key.
func DecodeSigningKey(key io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(key)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, fmt.Errorf("decode key: %w: no PEM block", ErrInvalidSigningKey)
	} else if block.Type != KeyType {
		return nil, fmt.Errorf("decode key: %w: block type %q", ErrInvalidSigningKey, block.Type)
	} else if len(block.Bytes) < DefaultKeySize {
		return nil, fmt.Errorf("decode key: %w: %d bytes", ErrInvalidSigningKey, len(block.Bytes))
	}

	return block.Bytes, nil
}

// GenerateSigningKey creates a new random signing key of the given size in bytes.
func GenerateSigningKey(size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	return key, nil
}

// EncodeSigningKey encodes a signing key in PEM format.
func EncodeSigningKey(key []byte) ([]byte, error) {
	var buf bytes.Buffer

	//nolint:exhaustruct
	if err := pem.Encode(&buf, &pem.Block{Type: KeyType, Bytes: key}); err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}

	return buf.Bytes(), nil
}

// GetSigningKey loads or creates a signing key at the specified file path.
// If the file doesn't exist, a new key is generated and written with owner-only permissions.
func GetSigningKey(path string) ([]byte, error) {
	keyFile, err := os.Open(path)
	if err == nil {
		defer keyFile.Close()

		key, err := DecodeSigningKey(keyFile)
		if err != nil {
			return nil, fmt.Errorf("decode signing key: %w", err)
		}

		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open key file: %w", err)
	}

	key, err := GenerateSigningKey(DefaultKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	keyBytes, err := EncodeSigningKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode signing key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}

	if err := os.WriteFile(path, keyBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return key, nil
}
