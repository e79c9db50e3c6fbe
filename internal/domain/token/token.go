// Package token implements the signed selection token: a self-contained
// record of one selection, handed to the client and returned with the
// reward. The token carries everything the feedback path needs, so
// feedback is a one-hop stream write with no server-side lookup.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidToken is returned on bad encoding, a signature mismatch, or
// an unparseable payload.
var ErrInvalidToken = errors.New("invalid selection token")

// ErrTokenExpired is returned when the token is older than the allowed
// maximum age.
var ErrTokenExpired = errors.New("selection token expired")

const tagLen = 16

// Payload is the selection context bound into a token. Field names are
// fixed short keys to keep tokens compact.
type Payload struct {
	ExperimentID    string            `json:"exp_id"`
	ArmIndex        int               `json:"arm_idx"`
	ContextID       string            `json:"ctx_id"`
	ContextVector   []float64         `json:"ctx_vec"`
	ContextMetadata map[string]string `json:"ctx_meta"`
	TimestampMs     int64             `json:"ts"`
}

// Codec signs and verifies selection tokens with a process-configured
// secret. The secret never appears in payloads or logs.
type Codec struct {
	secret []byte
	// maxAge bounds token age at decode time; zero disables the check.
	maxAge time.Duration
	// now is replaceable for tests.
	now func() time.Time
}

// NewCodec builds a codec. maxAge <= 0 disables expiry checking.
func NewCodec(secret []byte, maxAge time.Duration) *Codec {
	return &Codec{secret: secret, maxAge: maxAge, now: time.Now}
}

// Encode signs the selection context into an opaque url-safe token:
// base64url(json(payload) || HMAC-SHA256(json(payload), secret)[:16]).
func (c *Codec) Encode(experimentID string, armIndex int, contextID string, vector []float64, metadata map[string]string) (string, error) {
	p := Payload{
		ExperimentID:    experimentID,
		ArmIndex:        armIndex,
		ContextID:       contextID,
		ContextVector:   vector,
		ContextMetadata: metadata,
		TimestampMs:     c.now().UnixMilli(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	return base64.URLEncoding.EncodeToString(append(data, c.sign(data)...)), nil
}

// Decode verifies and parses a token. The signature check runs before
// any payload parsing, in constant time.
func (c *Codec) Decode(tok string) (*Payload, error) {
	raw, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(raw) < tagLen+1 {
		return nil, fmt.Errorf("%w: token too short", ErrInvalidToken)
	}

	data, tag := raw[:len(raw)-tagLen], raw[len(raw)-tagLen:]
	if !hmac.Equal(tag, c.sign(data)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if c.maxAge > 0 {
		age := c.now().UnixMilli() - p.TimestampMs
		if age > c.maxAge.Milliseconds() {
			return nil, fmt.Errorf("%w: %dms old", ErrTokenExpired, age)
		}
	}
	return &p, nil
}

func (c *Codec) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(data)
	return mac.Sum(nil)[:tagLen]
}
