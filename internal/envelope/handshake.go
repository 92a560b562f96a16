package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the HKDF context label shared with clients.
const hkdfInfo = "handshake data"

// HandshakeTimeout is the budget for the whole plaintext exchange.
const HandshakeTimeout = 5 * time.Second

var ErrBadHandshake = errors.New("envelope: bad handshake")

// Handshake holds the server's ephemeral keypair and salt for one connection.
// Usage: NewHandshake → send ServerHello bytes → Finish with the client reply.
type Handshake struct {
	priv *ecdh.PrivateKey
	salt string // base64 text as sent on the wire
}

type handshakeFrame struct {
	MsgType string           `json:"msg_type"`
	Payload handshakePayload `json:"payload"`
}

type handshakePayload struct {
	ServerPublicKey string `json:"server_public_key,omitempty"`
	Salt            string `json:"salt,omitempty"`
	ClientPublicKey string `json:"client_public_key,omitempty"`
}

// NewHandshake generates a fresh X25519 keypair and a 16-byte random salt.
func NewHandshake() (*Handshake, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return &Handshake{
		priv: priv,
		salt: base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// ServerHello returns the plaintext handshake frame carrying the server's
// public key and salt.
func (h *Handshake) ServerHello() ([]byte, error) {
	return json.Marshal(handshakeFrame{
		MsgType: "handshake",
		Payload: handshakePayload{
			ServerPublicKey: base64.StdEncoding.EncodeToString(h.priv.PublicKey().Bytes()),
			Salt:            h.salt,
		},
	})
}

// Finish parses the client's plaintext reply, computes the shared secret, and
// derives the connection key. Any malformed input is ErrBadHandshake.
func (h *Handshake) Finish(clientReply []byte) (*Envelope, error) {
	var f handshakeFrame
	if err := json.Unmarshal(clientReply, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if f.MsgType != "handshake" || f.Payload.ClientPublicKey == "" {
		return nil, ErrBadHandshake
	}
	raw, err := base64.StdEncoding.DecodeString(f.Payload.ClientPublicKey)
	if err != nil {
		return nil, ErrBadHandshake
	}
	peer, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, ErrBadHandshake
	}
	secret, err := h.priv.ECDH(peer)
	if err != nil {
		return nil, ErrBadHandshake
	}
	key, err := DeriveKey(secret, h.salt)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// DeriveKey runs HKDF-SHA256 over the shared secret. The salt input is the
// transmitted base64 text, not its decoded bytes — that is what deployed
// clients feed their KDF.
func DeriveKey(secret []byte, salt string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(salt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
