// Package kms wraps the key management service that protects reversal
// envelopes. Key material never leaves the KeyService.
package kms

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned when the key id is unknown to the service.
	ErrKeyNotFound = errors.New("kms: key not found")
	// ErrKeyDisabled is returned when the key exists but cannot be used.
	ErrKeyDisabled = errors.New("kms: key disabled")
)

// Key is a handle to a managed key.
type Key struct {
	ID       string
	Provider string
}

// KeyService encrypts and decrypts small payloads under a managed key.
// Every error is a phierr key management error.
type KeyService interface {
	Key(ctx context.Context, id string) (Key, error)
	Encrypt(ctx context.Context, key Key, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, key Key, ciphertext []byte) ([]byte, error)
}
