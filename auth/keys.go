// Package auth provides the authenticators used by consensus proofs: pairwise
// MAC secrets shared between replicas and per-replica ed25519 signing keys.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNoSecret   = errors.New("no pairwise secret established")
	ErrBadKeyFile = errors.New("malformed key file")
)

// KeyStore holds the secret shared with every peer. Secrets are established
// asynchronously, so readers may wait for one to appear.
type KeyStore struct {
	me int32

	mu      sync.Mutex
	cond    *sync.Cond
	secrets map[int32][]byte
}

func NewKeyStore(me int32) *KeyStore {
	ks := &KeyStore{
		me:      me,
		secrets: make(map[int32][]byte),
	}
	ks.cond = sync.NewCond(&ks.mu)
	return ks
}

func (ks *KeyStore) Me() int32 {
	return ks.me
}

func (ks *KeyStore) SetSecret(peer int32, secret []byte) {
	ks.mu.Lock()
	ks.secrets[peer] = secret
	ks.mu.Unlock()
	ks.cond.Broadcast()
}

// TrySecret returns the secret shared with peer without waiting.
func (ks *KeyStore) TrySecret(peer int32) ([]byte, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	s, ok := ks.secrets[peer]
	return s, ok
}

// Secret waits until a secret with peer is established or ctx ends.
func (ks *KeyStore) Secret(ctx context.Context, peer int32) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		ks.mu.Lock()
		defer ks.mu.Unlock()
		ks.cond.Broadcast()
	})
	defer stop()

	ks.mu.Lock()
	defer ks.mu.Unlock()
	for {
		if s, ok := ks.secrets[peer]; ok {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(ErrNoSecret, "peer %d: %v", peer, err)
		}
		ks.cond.Wait()
	}
}

// WaitSecret retries Secret with an exponentially growing wait, reporting
// every miss, until the secret appears or ctx ends.
func (ks *KeyStore) WaitSecret(ctx context.Context, peer int32, report func(error)) ([]byte, error) {
	wait := 10 * time.Millisecond
	const maxWait = 2 * time.Second
	for {
		tctx, cancel := context.WithTimeout(ctx, wait)
		s, err := ks.Secret(tctx, peer)
		cancel()
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if report != nil {
			report(err)
		}
		if wait *= 2; wait > maxWait {
			wait = maxWait
		}
	}
}

// DeriveSecret computes the secret shared by a and b from a cluster master
// secret. Both sides obtain the same bytes regardless of argument order.
func DeriveSecret(master []byte, a, b int32) []byte {
	if a > b {
		a, b = b, a
	}
	var ids [8]byte
	binary.LittleEndian.PutUint32(ids[:4], uint32(a))
	binary.LittleEndian.PutUint32(ids[4:], uint32(b))
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte("bftsmr/pairwise"))
	mac.Write(ids[:])
	return mac.Sum(nil)
}

// DeriveSecrets fills ks with the secrets shared with every peer, including
// the local replica itself.
func (ks *KeyStore) DeriveSecrets(master []byte, peers []int32) {
	for _, p := range peers {
		ks.SetSecret(p, DeriveSecret(master, ks.me, p))
	}
}

// MAC computes HMAC-SHA256 of data under secret.
func MAC(secret, data []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(data)
	return m.Sum(nil)
}

func VerifyMAC(secret, data, mac []byte) bool {
	return hmac.Equal(MAC(secret, data), mac)
}
