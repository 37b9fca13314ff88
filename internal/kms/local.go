package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
)

const localProvider = "local-aes-gcm"

// LocalKeyService is an in-process AES-256-GCM keyring for development and
// tests. Keys are derived from configured secrets.
type LocalKeyService struct {
	mu       sync.RWMutex
	keys     map[string][]byte
	disabled map[string]bool
}

// NewLocalKeyService derives one key per id from its secret.
func NewLocalKeyService(secrets map[string]string) *LocalKeyService {
	s := &LocalKeyService{keys: make(map[string][]byte), disabled: make(map[string]bool)}
	for id, secret := range secrets {
		s.AddKey(id, secret)
	}
	return s
}

// AddKey registers or rotates a key.
func (s *LocalKeyService) AddKey(id, secret string) {
	sum := sha256.Sum256([]byte(secret))
	s.mu.Lock()
	s.keys[id] = sum[:]
	delete(s.disabled, id)
	s.mu.Unlock()
}

// Disable makes a key unusable until it is added again.
func (s *LocalKeyService) Disable(id string) {
	s.mu.Lock()
	s.disabled[id] = true
	s.mu.Unlock()
}

func (s *LocalKeyService) Key(_ context.Context, id string) (Key, error) {
	if _, err := s.material(id); err != nil {
		return Key{}, phierr.KeyManagement("kms.key", "key_id", err)
	}
	return Key{ID: id, Provider: localProvider}, nil
}

func (s *LocalKeyService) Encrypt(_ context.Context, key Key, plaintext []byte) ([]byte, error) {
	gcm, err := s.aead(key.ID)
	if err != nil {
		return nil, phierr.KeyManagement("kms.encrypt", "key_id", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, phierr.KeyManagement("kms.encrypt", "nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(key.ID)), nil
}

func (s *LocalKeyService) Decrypt(_ context.Context, key Key, ciphertext []byte) ([]byte, error) {
	gcm, err := s.aead(key.ID)
	if err != nil {
		return nil, phierr.KeyManagement("kms.decrypt", "key_id", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, phierr.KeyManagement("kms.decrypt", "ciphertext", errors.New("ciphertext too short"))
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, []byte(key.ID))
	if err != nil {
		return nil, phierr.KeyManagement("kms.decrypt", "ciphertext", fmt.Errorf("open: %w", err))
	}
	return plain, nil
}

func (s *LocalKeyService) material(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if s.disabled[id] {
		return nil, fmt.Errorf("%w: %s", ErrKeyDisabled, id)
	}
	return k, nil
}

func (s *LocalKeyService) aead(id string) (cipher.AEAD, error) {
	k, err := s.material(id)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
