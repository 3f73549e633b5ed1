package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Envelope is the top-level wire object. The id correlates replies and
// stream events with requests: clients choose it and the host echoes it,
// generating one only for a request that carries none.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) ValidateBasic() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("invalid envelope: type is required")
	}
	return nil
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if err := env.ValidateBasic(); err != nil {
		return nil, err
	}
	return &env, nil
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if err := env.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewEnvelope marshals payload and wraps it. A nil payload produces an
// envelope with no payload field.
func NewEnvelope(id, typ string, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = b
	}
	return env, env.ValidateBasic()
}
