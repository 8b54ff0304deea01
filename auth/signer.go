package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const keyFilePerm = 0600

// Signer signs with the private key of the local replica.
type Signer struct {
	priv ed25519.PrivateKey
}

func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Wrapf(ErrBadKeyFile, "seed of %d bytes", len(seed))
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// KeyRing maps replica ids to their public keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[int32]ed25519.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[int32]ed25519.PublicKey)}
}

func (kr *KeyRing) Add(id int32, pub ed25519.PublicKey) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[id] = pub
}

func (kr *KeyRing) PublicKey(id int32) (ed25519.PublicKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	k, ok := kr.keys[id]
	return k, ok
}

// Verify checks sig over data against the key of id. Unknown ids never
// verify.
func (kr *KeyRing) Verify(id int32, data, sig []byte) bool {
	pub, ok := kr.PublicKey(id)
	if !ok {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// DeriveSeed computes a signing seed for id from the cluster master secret.
// Used when no key directory is configured.
func DeriveSeed(master []byte, id int32) []byte {
	var bs [4]byte
	binary.LittleEndian.PutUint32(bs[:], uint32(id))
	h := sha256.New()
	h.Write([]byte("bftsmr/signing"))
	h.Write(master)
	h.Write(bs[:])
	return h.Sum(nil)
}

// DerivedKeys builds the signer of me and the public keys of ids from the
// master secret.
func DerivedKeys(master []byte, me int32, ids []int32) (*Signer, *KeyRing, error) {
	signer, err := NewSigner(DeriveSeed(master, me))
	if err != nil {
		return nil, nil, err
	}
	ring := NewKeyRing()
	for _, id := range ids {
		s, err := NewSigner(DeriveSeed(master, id))
		if err != nil {
			return nil, nil, err
		}
		ring.Add(id, s.Public())
	}
	return signer, ring, nil
}

func seedPath(dir string, id int32) string {
	return filepath.Join(dir, idName(id)+".key")
}

func pubPath(dir string, id int32) string {
	return filepath.Join(dir, idName(id)+".pub")
}

func idName(id int32) string {
	return fmt.Sprintf("replica%d", id)
}

// LoadSigner reads the seed of id from dir, generating and saving a fresh key
// pair when none exists yet.
func LoadSigner(dir string, id int32) (*Signer, error) {
	data, err := os.ReadFile(seedPath(dir, id))
	if os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, errors.Wrap(err, "generate key")
		}
		s := &Signer{priv: priv}
		return s, s.save(dir, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrap(ErrBadKeyFile, err.Error())
	}
	return NewSigner(seed)
}

func (s *Signer) save(dir string, id int32) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "create key directory")
	}
	seed := hex.EncodeToString(s.priv.Seed())
	if err := os.WriteFile(seedPath(dir, id), []byte(seed+"\n"), keyFilePerm); err != nil {
		return errors.Wrap(err, "write key file")
	}
	pub := hex.EncodeToString(s.Public())
	if err := os.WriteFile(pubPath(dir, id), []byte(pub+"\n"), 0644); err != nil {
		return errors.Wrap(err, "write public key file")
	}
	return nil
}

// LoadKeyRing reads the public keys of ids from dir.
func LoadKeyRing(dir string, ids []int32) (*KeyRing, error) {
	ring := NewKeyRing()
	for _, id := range ids {
		data, err := os.ReadFile(pubPath(dir, id))
		if err != nil {
			return nil, errors.Wrapf(err, "public key of %d", id)
		}
		pub, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, errors.Wrapf(ErrBadKeyFile, "public key of %d", id)
		}
		ring.Add(id, pub)
	}
	return ring, nil
}
