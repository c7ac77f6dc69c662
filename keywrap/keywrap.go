// Package keywrap generates per-upload data-encryption keys and wraps them
// under a provider-managed master key. Plaintext keys live only in memory;
// the wrapped form is what callers persist.
package keywrap

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

const (
	// AlgorithmAESGCM256 identifies the wrapping scheme recorded alongside
	// the wrapped key so future unwraps pick the right path.
	AlgorithmAESGCM256 = "AES-256-GCM"

	dataKeyBytes = 32
)

// WrappedDEK is the durable form of a data-encryption key.
type WrappedDEK struct {
	// Wrapped is the base64-encoded ciphertext of the data key, nonce
	// prefixed.
	Wrapped string

	Algorithm          string
	ProviderKeyVersion string

	// RequestID identifies the provider call that produced the key, for
	// audit correlation.
	RequestID string
}

// DataKey pairs a plaintext key with its wrapped form. The plaintext must be
// discarded as soon as the caller finishes encrypting.
type DataKey struct {
	Plaintext []byte
	Wrapped   WrappedDEK
}

// Provider wraps and unwraps data-encryption keys under a master key it
// controls.
type Provider interface {
	GenerateDataKey(ctx context.Context) (DataKey, error)
	UnwrapDataKey(ctx context.Context, wrapped WrappedDEK) ([]byte, error)
}

// LocalProvider wraps data keys with an in-process AES-256-GCM master key.
// It stands in for an external key-management service in single-node
// deployments and tests.
type LocalProvider struct {
	aead       cipher.AEAD
	keyVersion string
}

// NewLocalProvider builds a provider from a 32-byte master key.
func NewLocalProvider(masterKey []byte, keyVersion string) (*LocalProvider, error) {
	if len(masterKey) != dataKeyBytes {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", dataKeyBytes, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init master cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if keyVersion == "" {
		keyVersion = "local-v1"
	}
	return &LocalProvider{aead: aead, keyVersion: keyVersion}, nil
}

func (p *LocalProvider) GenerateDataKey(ctx context.Context) (DataKey, error) {
	if err := ctx.Err(); err != nil {
		return DataKey{}, err
	}

	plaintext := make([]byte, dataKeyBytes)
	if _, err := rand.Read(plaintext); err != nil {
		return DataKey{}, fmt.Errorf("generate data key: %w", err)
	}

	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return DataKey{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := p.aead.Seal(nonce, nonce, plaintext, nil)
	return DataKey{
		Plaintext: plaintext,
		Wrapped: WrappedDEK{
			Wrapped:            base64.StdEncoding.EncodeToString(sealed),
			Algorithm:          AlgorithmAESGCM256,
			ProviderKeyVersion: p.keyVersion,
			RequestID:          uuid.NewString(),
		},
	}, nil
}

func (p *LocalProvider) UnwrapDataKey(ctx context.Context, wrapped WrappedDEK) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if wrapped.Algorithm != AlgorithmAESGCM256 {
		return nil, fmt.Errorf("unsupported wrap algorithm %q", wrapped.Algorithm)
	}

	sealed, err := base64.StdEncoding.DecodeString(wrapped.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	if len(sealed) < p.aead.NonceSize() {
		return nil, fmt.Errorf("wrapped key too short")
	}

	nonce, ciphertext := sealed[:p.aead.NonceSize()], sealed[p.aead.NonceSize():]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	return plaintext, nil
}
