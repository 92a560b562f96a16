// Package envelope implements the per-connection security envelope: an
// ephemeral X25519 key agreement followed by AES-256-GCM wrapping of every
// frame. The wire formats match the deployed clients and must not change.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is the encrypted wire form of one message: all fields base64.
// The tag is carried separately even though GCM computes it inline.
type Frame struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

var (
	ErrDecrypt    = errors.New("envelope: decrypt failed")
	ErrNotAFrame  = errors.New("envelope: not an encrypted frame")
	ErrBadKeySize = errors.New("envelope: key must be 32 bytes")
)

// Envelope seals and opens frames under one connection's derived key.
type Envelope struct {
	aead cipher.AEAD
}

// New builds an envelope codec from a 32-byte key.
func New(key []byte) (*Envelope, error) {
	if len(key) != keySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce and splits the GCM
// output into ciphertext and tag fields.
func (e *Envelope) Seal(plaintext []byte) (Frame, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Frame{}, err
	}
	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return Frame{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// SealJSON marshals v and seals the result into a wire-ready byte slice.
func (e *Envelope) SealJSON(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	f, err := e.Seal(plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Open authenticates and decrypts a frame. Any failure is ErrDecrypt; callers
// treat it as fatal to the connection.
func (e *Envelope) Open(f Frame) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrDecrypt
	}
	ct, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}
	tag, err := base64.StdEncoding.DecodeString(f.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrDecrypt
	}
	plain, err := e.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// OpenRaw parses raw bytes as a Frame and opens it. ErrNotAFrame means the
// bytes were JSON but lacked the nonce/ciphertext/tag triple.
func (e *Envelope) OpenRaw(raw []byte) ([]byte, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if f.Nonce == "" || f.Ciphertext == "" || f.Tag == "" {
		return nil, ErrNotAFrame
	}
	return e.Open(f)
}
