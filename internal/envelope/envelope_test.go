package envelope

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	e, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New(make([]byte, 16)); !errors.Is(err, ErrBadKeySize) {
		t.Errorf("New(16 bytes) err = %v, want ErrBadKeySize", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	e := testEnvelope(t)
	tests := []struct {
		name  string
		plain []byte
	}{
		{name: "json_message", plain: []byte(`{"msg_type":"ping","success":true}`)},
		{name: "empty", plain: []byte{}},
		{name: "binary", plain: []byte{0, 1, 2, 255, 254}},
		{name: "unicode", plain: []byte("héllo wörld")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := e.Seal(tt.plain)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			got, err := e.Open(f)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(got, tt.plain) {
				t.Errorf("round trip = %q, want %q", got, tt.plain)
			}
		})
	}
}

func TestSealFieldSizes(t *testing.T) {
	e := testEnvelope(t)
	f, err := e.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil || len(nonce) != 12 {
		t.Errorf("nonce = %d bytes (err=%v), want 12", len(nonce), err)
	}
	tag, err := base64.StdEncoding.DecodeString(f.Tag)
	if err != nil || len(tag) != 16 {
		t.Errorf("tag = %d bytes (err=%v), want 16", len(tag), err)
	}
}

func TestSealFreshNonce(t *testing.T) {
	e := testEnvelope(t)
	f1, _ := e.Seal([]byte("x"))
	f2, _ := e.Seal([]byte("x"))
	if f1.Nonce == f2.Nonce {
		t.Error("two Seal calls produced the same nonce")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	e := testEnvelope(t)
	good, err := e.Seal([]byte(`{"msg_type":"ping"}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	flip := func(s string) string {
		b, _ := base64.StdEncoding.DecodeString(s)
		b[0] ^= 0xff
		return base64.StdEncoding.EncodeToString(b)
	}

	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "flipped_ciphertext", frame: Frame{Nonce: good.Nonce, Ciphertext: flip(good.Ciphertext), Tag: good.Tag}},
		{name: "flipped_tag", frame: Frame{Nonce: good.Nonce, Ciphertext: good.Ciphertext, Tag: flip(good.Tag)}},
		{name: "flipped_nonce", frame: Frame{Nonce: flip(good.Nonce), Ciphertext: good.Ciphertext, Tag: good.Tag}},
		{name: "bad_base64", frame: Frame{Nonce: "!!!", Ciphertext: good.Ciphertext, Tag: good.Tag}},
		{name: "short_tag", frame: Frame{Nonce: good.Nonce, Ciphertext: good.Ciphertext, Tag: base64.StdEncoding.EncodeToString([]byte("short"))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Open(tt.frame); !errors.Is(err, ErrDecrypt) {
				t.Errorf("Open err = %v, want ErrDecrypt", err)
			}
		})
	}
}

func TestOpenWrongKey(t *testing.T) {
	a := testEnvelope(t)
	b := testEnvelope(t)
	f, _ := a.Seal([]byte("secret"))
	if _, err := b.Open(f); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open with wrong key err = %v, want ErrDecrypt", err)
	}
}

func TestOpenRaw(t *testing.T) {
	e := testEnvelope(t)
	wire, err := e.SealJSON(map[string]string{"msg_type": "pong"})
	if err != nil {
		t.Fatalf("SealJSON: %v", err)
	}
	plain, err := e.OpenRaw(wire)
	if err != nil {
		t.Fatalf("OpenRaw: %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal(plain, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["msg_type"] != "pong" {
		t.Errorf("msg_type = %q, want pong", m["msg_type"])
	}

	// Plaintext JSON without the envelope triple is flagged, not decrypted.
	if _, err := e.OpenRaw([]byte(`{"msg_type":"ping"}`)); !errors.Is(err, ErrNotAFrame) {
		t.Errorf("OpenRaw(plaintext) err = %v, want ErrNotAFrame", err)
	}
	if _, err := e.OpenRaw([]byte("garbage")); err == nil {
		t.Error("OpenRaw accepted non-JSON input")
	}
}

// clientFinish mimics the client side of the exchange.
func clientFinish(t *testing.T, hello []byte) (*Envelope, []byte) {
	t.Helper()
	var f struct {
		MsgType string `json:"msg_type"`
		Payload struct {
			ServerPublicKey string `json:"server_public_key"`
			Salt            string `json:"salt"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(hello, &f); err != nil {
		t.Fatalf("unmarshal hello: %v", err)
	}
	if f.MsgType != "handshake" {
		t.Fatalf("hello msg_type = %q", f.MsgType)
	}
	serverPub, err := base64.StdEncoding.DecodeString(f.Payload.ServerPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := ecdh.X25519().NewPublicKey(serverPub)
	if err != nil {
		t.Fatal(err)
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		t.Fatal(err)
	}
	key, err := DeriveKey(secret, f.Payload.Salt)
	if err != nil {
		t.Fatal(err)
	}
	env, err := New(key)
	if err != nil {
		t.Fatal(err)
	}
	reply, _ := json.Marshal(map[string]any{
		"msg_type": "handshake",
		"payload": map[string]string{
			"client_public_key": base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
		},
	})
	return env, reply
}

func TestHandshakeDerivesSharedKey(t *testing.T) {
	hs, err := NewHandshake()
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	hello, err := hs.ServerHello()
	if err != nil {
		t.Fatalf("ServerHello: %v", err)
	}

	clientEnv, reply := clientFinish(t, hello)
	serverEnv, err := hs.Finish(reply)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Client seals, server opens.
	f, err := clientEnv.Seal([]byte("from client"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := serverEnv.Open(f)
	if err != nil {
		t.Fatalf("server Open: %v", err)
	}
	if string(got) != "from client" {
		t.Errorf("got %q", got)
	}

	// And the other direction.
	f, err = serverEnv.Seal([]byte("from server"))
	if err != nil {
		t.Fatal(err)
	}
	got, err = clientEnv.Open(f)
	if err != nil {
		t.Fatalf("client Open: %v", err)
	}
	if string(got) != "from server" {
		t.Errorf("got %q", got)
	}
}

func TestHandshakeFreshSaltPerConnection(t *testing.T) {
	a, _ := NewHandshake()
	b, _ := NewHandshake()
	if a.salt == b.salt {
		t.Error("two handshakes produced the same salt")
	}
}

func TestFinishRejectsMalformedReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{name: "not_json", reply: []byte("hello")},
		{name: "wrong_type", reply: []byte(`{"msg_type":"ping","payload":{}}`)},
		{name: "missing_key", reply: []byte(`{"msg_type":"handshake","payload":{}}`)},
		{name: "bad_base64", reply: []byte(`{"msg_type":"handshake","payload":{"client_public_key":"@@@"}}`)},
		{name: "short_key", reply: []byte(`{"msg_type":"handshake","payload":{"client_public_key":"AAAA"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs, err := NewHandshake()
			if err != nil {
				t.Fatal(err)
			}
			if _, err := hs.Finish(tt.reply); !errors.Is(err, ErrBadHandshake) {
				t.Errorf("Finish err = %v, want ErrBadHandshake", err)
			}
		})
	}
}
