// Package envelope defines the single frame type exchanged over the agent
// transport, and the canonicalization/signing rules shared by the hub and
// the agent so that a signature produced by one side verifies on the other.
package envelope

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the message types carried inside an Envelope (§4.4).
type Type string

const (
	TypeAgentRegister    Type = "agent.register"
	TypeHubAck           Type = "hub.ack"
	TypeAgentHeartbeat   Type = "agent.heartbeat"
	TypeProbeRequest     Type = "probe.request"
	TypeProbeResponse    Type = "probe.response"
	TypeProbeError       Type = "probe.error"
	TypeHubUpdateAvail   Type = "hub.update_available"
)

// Envelope is the sole frame type on the agent transport.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agentId,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an envelope carrying v as its payload, with a fresh id and the
// current timestamp. It does not sign the envelope; call Sign separately.
func New(typ Type, agentID string, v interface{}) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope payload: %w", err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Payload:   payload,
	}, nil
}

// Decode parses a raw frame into an Envelope and validates the required
// fields are present. It does not verify the signature.
func Decode(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("invalid message format: missing id or type")
	}
	return &e, nil
}

// ParsePayload unmarshals the envelope's payload into v.
func (e *Envelope) ParsePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Canonicalize produces the deterministic byte serialization of the payload
// subtree that signing and hashing operate over: UTF-8 JSON, object keys
// sorted lexicographically, no insignificant whitespace (§9 "Signature
// surface"). Only the payload is canonicalized — id and timestamp vary per
// send and are excluded from the signed surface.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Sign signs the canonicalized payload with priv and sets e.Signature to the
// base64 encoding of the resulting ASN.1 signature.
func (e *Envelope) Sign(priv *ecdsa.PrivateKey) error {
	var payload interface{}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("sign: decode payload: %w", err)
	}
	canon, err := Canonicalize(payload)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(canon)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks e.Signature against pub over the canonicalized payload.
// It returns false (never an error) when there is no signature to check,
// so callers decide whether an absent signature is acceptable.
func (e *Envelope) Verify(pub *ecdsa.PublicKey) (bool, error) {
	if e.Signature == "" {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return false, fmt.Errorf("verify: decode signature: %w", err)
	}
	var payload interface{}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return false, fmt.Errorf("verify: decode payload: %w", err)
	}
	canon, err := Canonicalize(payload)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(canon)
	return ecdsa.VerifyASN1(pub, digest[:], sig), nil
}
