// Package sealed wraps a kv.Backend and encrypts every value with
// XChaCha20-Poly1305. The key name is bound as additional data, so a value
// copied under another key fails to open.
package sealed

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/umit144/purchase-reconciler/internal/kv"
)

var ErrCorrupt = errors.New("sealed: value cannot be opened")

type Backend struct {
	inner kv.Backend
	aead  cipher.AEAD
}

// New returns a sealing wrapper. key must be chacha20poly1305.KeySize bytes.
func New(inner kv.Backend, key []byte) (*Backend, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Backend{inner: inner, aead: aead}, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := b.seal(key, value)
	if err != nil {
		return err
	}
	return b.inner.Set(ctx, key, sealed)
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := b.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return b.open(key, sealed)
}

func (b *Backend) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	return b.inner.Update(ctx, key, func(current []byte, found bool) ([]byte, error) {
		var plain []byte
		if found {
			var err error
			if plain, err = b.open(key, current); err != nil {
				return nil, err
			}
		}

		next, err := fn(plain, found)
		if err != nil || next == nil {
			return nil, err
		}
		return b.seal(key, next)
	})
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.inner.Delete(ctx, key)
}

func (b *Backend) Clear(ctx context.Context) error {
	return b.inner.Clear(ctx)
}

func (b *Backend) seal(key string, value []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(value)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, value, []byte(key)), nil
}

func (b *Backend) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < b.aead.NonceSize() {
		return nil, ErrCorrupt
	}
	nonce, ciphertext := sealed[:b.aead.NonceSize()], sealed[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return plain, nil
}

var _ kv.Backend = (*Backend)(nil)
