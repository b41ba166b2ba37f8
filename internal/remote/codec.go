package remote

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/stepsync/internal/progress"
)

// change is the pub/sub payload.
type change struct {
	Origin  string           `json:"origin"`
	Session progress.Session `json:"session"`
}

func encodeSession(s progress.Session) ([]byte, error) {
	data, err := progress.MarshalCanonical(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

// decodeSession parses a stored session. Payload numbers stay json.Number.
func decodeSession(data []byte) (progress.Session, error) {
	var s progress.Session
	if err := decodeJSON(data, &s); err != nil {
		return progress.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return progress.Normalize(s), nil
}

func encodeChange(origin string, s progress.Session) ([]byte, error) {
	data, err := json.Marshal(change{Origin: origin, Session: s})
	if err != nil {
		return nil, fmt.Errorf("encode change: %w", err)
	}
	return data, nil
}

func decodeChange(data []byte) (change, error) {
	var c change
	if err := decodeJSON(data, &c); err != nil {
		return change{}, fmt.Errorf("decode change: %w", err)
	}
	c.Session = progress.Normalize(c.Session)
	return c, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
