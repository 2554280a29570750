package domain

import "fmt"

// MsgType discriminates the envelope tagged union.
type MsgType int

const (
	// MsgTypePreKey marks a session-establishing message that embeds
	// enough key material for the recipient to derive the session.
	MsgTypePreKey MsgType = 0
	// MsgTypeRatchet marks an ordinary ratcheted message on an
	// established session.
	MsgTypeRatchet MsgType = 1
)

// Envelope is a ciphertext delivered by the transport.
type Envelope struct {
	Type     MsgType `json:"type"`
	Body     string  `json:"body"`
	SenderID UserID  `json:"sender_id"`
}

// Validate rejects malformed envelopes at the transport boundary,
// before they reach the cryptographic layer.
func (e Envelope) Validate() error {
	if e.Type != MsgTypePreKey && e.Type != MsgTypeRatchet {
		return fmt.Errorf("%w: unknown message type %d", ErrInvalidEnvelope, e.Type)
	}
	if e.Body == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidEnvelope)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	}
	return nil
}

// OutboundEnvelope is a ciphertext handed to the transport for delivery.
type OutboundEnvelope struct {
	To   UserID  `json:"to"`
	Type MsgType `json:"type"`
	Body string  `json:"body"`
}

// Validate checks an outbound envelope before it is sent.
func (e OutboundEnvelope) Validate() error {
	if e.Type != MsgTypePreKey && e.Type != MsgTypeRatchet {
		return fmt.Errorf("%w: unknown message type %d", ErrInvalidEnvelope, e.Type)
	}
	if e.Body == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidEnvelope)
	}
	if e.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidEnvelope)
	}
	return nil
}
