package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/markdave123-py/contextai/internal/core"
)

var ErrBadKey = errors.New("encryption key must be 32 bytes of hex")

// SealedStore encrypts values before they reach the wrapped store. The key
// name is bound as additional data, so a value copied under another key
// fails to open.
type SealedStore struct {
	inner core.KVStore
	key   []byte
}

// NewSealedStore wraps inner with XChaCha20-Poly1305 using a hex-encoded
// 32-byte key.
func NewSealedStore(inner core.KVStore, hexKey string) (*SealedStore, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKey
	}
	return &SealedStore{inner: inner, key: key}, nil
}

func (s *SealedStore) seal(name string, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(name)), nil
}

func (s *SealedStore) open(name string, sealed []byte) ([]byte, error) {
	if sealed == nil {
		return nil, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed value for %q too short", name)
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("open sealed value for %q: %w", name, err)
	}
	return plain, nil
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.open(key, raw)
}

func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *SealedStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	in, err := s.inner.Watch(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make(chan core.Change, subscriberBuffer)
	go func() {
		defer close(out)
		for c := range in {
			old, err := s.open(c.Key, c.Old)
			if err != nil {
				// A value written before encryption was enabled.
				slog.Warn("sealed: cannot open old value", "key", c.Key, "error", err)
				old = nil
			}
			nv, err := s.open(c.Key, c.New)
			if err != nil {
				slog.Error("sealed: dropping change", "key", c.Key, "error", err)
				continue
			}
			select {
			case out <- core.Change{Key: c.Key, Old: old, New: nv}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *SealedStore) Close() error {
	return s.inner.Close()
}

var _ core.KVStore = (*SealedStore)(nil)
