// Package message defines the plaintext frame exchanged inside the encrypted
// envelope, the recognized msg_type vocabulary, and the stable error codes
// surfaced to clients.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is one plaintext frame. Requests and replies share the shape; pushes
// from the server are uncorrelated frames with a fresh message_id.
type Message struct {
	MessageID    string          `json:"message_id"`
	Timestamp    time.Time       `json:"timestamp"`
	MsgType      string          `json:"msg_type"`
	Success      bool            `json:"success"`
	Payload      json.RawMessage `json:"payload"`
	JWT          string          `json:"jwt,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Recognized msg_type values.
const (
	TypeHandshake            = "handshake"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeSignup               = "signup"
	TypeAuthenticate         = "authenticate"
	TypeRefreshToken         = "refresh_token"
	TypeLogout               = "logout"
	TypeGetContacts          = "get_contacts"
	TypeAddContact           = "add_contact"
	TypeFetchCallHistory     = "fetch_call_history"
	TypeSetModelPreference   = "set_model_preference"
	TypeCallInvite           = "call_invite"
	TypeCallAccept           = "call_accept"
	TypeCallReject           = "call_reject"
	TypeCallEnd              = "call_end"
	TypeOffer                = "offer"
	TypeAnswer               = "answer"
	TypeICECandidate         = "ice_candidate"
	TypeVideoState           = "video_state"
	TypeLipReadingPrediction = "lip_reading_prediction"
)

// Error codes. The set is stable; clients branch on these strings.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUsernameTaken      = "USERNAME_TAKEN"
	CodeExpired            = "EXPIRED"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeRevoked            = "REVOKED"
	CodeUserMismatch       = "USER_MISMATCH"
	CodeMissingJWT         = "MISSING_JWT"
	CodeWrongType          = "WRONG_TYPE"
	CodeSchemaError        = "SCHEMA_ERROR"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeInvalidUsername    = "INVALID_USERNAME"
	CodeSelfContact        = "SELF_CONTACT"
	CodeDuplicateContact   = "DUPLICATE_CONTACT"
	CodeTargetNotAvailable = "TARGET_NOT_AVAILABLE"
	CodeTargetBusy         = "TARGET_BUSY"
	CodeAlreadyInviting    = "ALREADY_INVITING"
	CodeNoSuchCall         = "NO_SUCH_CALL"
	CodePeerDisconnected   = "PEER_DISCONNECTED"
	CodeSessionReplaced    = "SESSION_REPLACED"
	CodeCallHistoryError   = "CALL_HISTORY_ERROR"
	CodeStorageError       = "STORAGE_ERROR"
)

var known = map[string]bool{
	TypeHandshake:            true,
	TypePing:                 true,
	TypePong:                 true,
	TypeSignup:               true,
	TypeAuthenticate:         true,
	TypeRefreshToken:         true,
	TypeLogout:               true,
	TypeGetContacts:          true,
	TypeAddContact:           true,
	TypeFetchCallHistory:     true,
	TypeSetModelPreference:   true,
	TypeCallInvite:           true,
	TypeCallAccept:           true,
	TypeCallReject:           true,
	TypeCallEnd:              true,
	TypeOffer:                true,
	TypeAnswer:               true,
	TypeICECandidate:         true,
	TypeVideoState:           true,
	TypeLipReadingPrediction: true,
}

// authExempt lists the msg_types accepted without a valid access token.
var authExempt = map[string]bool{
	TypeHandshake:    true,
	TypePing:         true,
	TypePong:         true,
	TypeSignup:       true,
	TypeAuthenticate: true,
	TypeRefreshToken: true,
}

// Known reports whether t is in the recognized msg_type set.
func Known(t string) bool { return known[t] }

// AuthExempt reports whether t may be dispatched without an access token.
func AuthExempt(t string) bool { return authExempt[t] }

var emptyPayload = json.RawMessage(`{}`)

// New builds a success frame with a fresh message_id and UTC timestamp.
// A nil payload marshals as an empty object. Payloads are server-constructed
// maps and structs, so a marshal failure degrades to an empty payload rather
// than surfacing an error at every call site.
func New(msgType string, payload any) Message {
	raw := emptyPayload
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return Message{
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		MsgType:   msgType,
		Success:   true,
		Payload:   raw,
	}
}

// NewError builds a failure frame carrying a stable error code.
func NewError(msgType, code, errMsg string) Message {
	return Message{
		MessageID:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		MsgType:      msgType,
		Success:      false,
		Payload:      emptyPayload,
		ErrorCode:    code,
		ErrorMessage: errMsg,
	}
}

// Decode parses a plaintext frame. It does not validate the msg_type.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	if m.Payload == nil {
		m.Payload = emptyPayload
	}
	return m, nil
}
