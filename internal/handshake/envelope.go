package handshake

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidEnvelope means the transport text is not a well-formed envelope.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrInvalidPayload means the envelope is fine but its payload is not.
	ErrInvalidPayload = errors.New("invalid payload")
)

// MessageType tags the model carried by an envelope.
type MessageType string

const (
	TypeIntent        MessageType = "merchantIntent"
	TypeAuthorization MessageType = "payerAuthorization"
	TypeReceipt       MessageType = "merchantReceipt"
)

// Envelope wraps a message for the QR/text channel.
type Envelope struct {
	Type      MessageType `json:"type"`
	Payload   string      `json:"payload"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Encode wraps v as base64(json(Envelope{payload: base64(json(v))})).
func Encode(typ MessageType, v any, now time.Time) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env := Envelope{
		Type:      typ,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		CreatedAt: now.UTC(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeEnvelope unwraps the outer layer only.
func DecodeEnvelope(text string) (Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return Envelope{}, ErrInvalidEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return Envelope{}, ErrInvalidEnvelope
	}
	return env, nil
}

// Decode unwraps text into out, requiring the envelope to carry typ.
func Decode(text string, typ MessageType, out any) error {
	env, err := DecodeEnvelope(text)
	if err != nil {
		return err
	}
	if env.Type != typ {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidEnvelope, typ, env.Type)
	}
	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return ErrInvalidPayload
	}
	return nil
}
