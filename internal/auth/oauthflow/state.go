package oauthflow

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/engramkeep/health-connector/internal/providers/signature"
)

var (
	ErrInvalidState  = errors.New("invalid oauth state")
	ErrStateMismatch = errors.New("oauth state does not match provider")
)

// State travels through the provider consent screen and back.
type State struct {
	UserID    string `json:"user_id"`
	ProfileID string `json:"profile_id,omitempty"`
	Provider  string `json:"provider"`
	Timestamp int64  `json:"ts"`
}

// StateCodec encodes state as base64 JSON. With a secret the blob is
// followed by "." and a hex HMAC-SHA256 over it.
type StateCodec struct {
	secret []byte
}

func NewStateCodec(secret string) *StateCodec {
	return &StateCodec{secret: []byte(secret)}
}

func (c *StateCodec) Signed() bool { return len(c.secret) > 0 }

func (c *StateCodec) Encode(s State) (string, error) {
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().Unix()
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	blob := base64.RawURLEncoding.EncodeToString(raw)
	if !c.Signed() {
		return blob, nil
	}
	return blob + "." + signature.SHA256Hex(c.secret, []byte(blob)), nil
}

func (c *StateCodec) Decode(encoded string) (State, error) {
	blob := encoded
	if c.Signed() {
		var mac string
		var ok bool
		blob, mac, ok = strings.Cut(encoded, ".")
		if !ok || !signature.Equal(signature.SHA256Hex(c.secret, []byte(blob)), mac) {
			return State{}, fmt.Errorf("%w: bad signature", ErrInvalidState)
		}
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(blob, "="))
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if s.UserID == "" {
		return State{}, fmt.Errorf("%w: missing user id", ErrInvalidState)
	}
	return s, nil
}
