package progress

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// DomainSession prefixes session fingerprints. The version suffix leaves room
// for a future change of encoding.
const DomainSession = "stepsync/session/v1"

// MarshalCanonical produces deterministic JSON for v.
//
// Differences from json.Marshal:
//  1. Object keys are sorted at every level, including struct fields
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Numbers keep their decimal text (no float64 round trip)
//  5. No trailing newline
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := encodeNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	out, err := encodeNoEscape(normalizeStrings(generic))
	if err != nil {
		return nil, fmt.Errorf("canonical: re-encode: %w", err)
	}
	return out, nil
}

// Fingerprint returns a content hash of the session's progress. UpdatedAt is
// excluded, so re-applying an identical update does not change it.
func Fingerprint(s Session) (string, error) {
	s.UpdatedAt = s.CreatedAt
	data, err := MarshalCanonical(s)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainSession, data), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func encodeNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func normalizeStrings(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalizeStrings(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeStrings(elem)
		}
		return out
	default:
		return v
	}
}
