// Package auth signs signaling packets and checks their signatures.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/gatesim/model"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrBadSignature    = errors.New("signature does not match payload")
)

// Signature authenticates a payload as sent by Signer.
type Signature struct {
	Signer model.Identity
	MAC    []byte
}

// IsZero reports whether the signature is missing.
func (s Signature) IsZero() bool { return s.Signer == "" && len(s.MAC) == 0 }

// Service signs payloads and verifies signatures.
type Service interface {
	Sign(payload []byte, id model.Identity) (Signature, error)
	// CheckSignature returns the verified signer. Every failure wraps
	// model.ErrAuthentication.
	CheckSignature(sig Signature, payload []byte) (model.Identity, error)
}

// Directory is an in-memory Service holding one secret key per identity.
// Signatures are keyed BLAKE2b-256 MACs.
type Directory struct {
	mu   sync.RWMutex
	keys map[model.Identity][]byte
}

func NewDirectory() *Directory {
	return &Directory{keys: make(map[model.Identity][]byte)}
}

// Enroll creates a random key for id unless it already has one.
func (d *Directory) Enroll(id model.Identity) error {
	if id == "" {
		return fmt.Errorf("enroll: empty identity")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.keys[id]; ok {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("enroll %s: %w", id, err)
	}
	d.keys[id] = key
	return nil
}

// Revoke forgets the key of id; its signatures stop verifying.
func (d *Directory) Revoke(id model.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, id)
}

func (d *Directory) key(id model.Identity) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.keys[id]
	return k, ok
}

func (d *Directory) Sign(payload []byte, id model.Identity) (Signature, error) {
	key, ok := d.key(id)
	if !ok {
		return Signature{}, fmt.Errorf("sign: %w: %s", ErrUnknownIdentity, id)
	}
	mac, err := digest(key, id, payload)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Signer: id, MAC: mac}, nil
}

func (d *Directory) CheckSignature(sig Signature, payload []byte) (model.Identity, error) {
	if sig.IsZero() {
		return "", fmt.Errorf("%w: missing signature", model.ErrAuthentication)
	}
	key, ok := d.key(sig.Signer)
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", model.ErrAuthentication, ErrUnknownIdentity, sig.Signer)
	}
	want, err := digest(key, sig.Signer, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrAuthentication, err)
	}
	if subtle.ConstantTimeCompare(want, sig.MAC) != 1 {
		return "", fmt.Errorf("%w: %w (signer %s)", model.ErrAuthentication, ErrBadSignature, sig.Signer)
	}
	return sig.Signer, nil
}

// digest covers the signer name as well as the payload.
func digest(key []byte, id model.Identity, payload []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, fmt.Errorf("mac: %w", err)
	}
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum(nil), nil
}
