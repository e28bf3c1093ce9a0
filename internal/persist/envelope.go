package persist

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Envelope is the durable representation of one value. Records written
// before the envelope format existed ("legacy" records) lack these fields
// and are read opportunistically as a raw value.
type Envelope struct {
	Type          string          `json:"type"`
	Value         json.RawMessage `json:"value"`
	Timestamp     int64           `json:"timestamp"`
	SchemaVersion string          `json:"schemaVersion"`
}

// encodeEnvelope serializes value into an envelope string. Values that
// cannot round-trip through structural serialization (cycles, channels,
// functions) fail with ErrSerialization.
func encodeEnvelope(value any, schemaVersion string, now time.Time) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	env := Envelope{
		Type:          jsonTypeOf(raw),
		Value:         raw,
		Timestamp:     now.UnixMilli(),
		SchemaVersion: schemaVersion,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return string(b), nil
}

// decodeEnvelope parses a stored record. Well-formed envelopes yield their
// inner value plus the envelope. Anything else degrades: raw JSON is
// returned as its decoded value, and non-JSON input is returned as the
// string itself.
func decodeEnvelope(s string) (any, *Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err == nil && env.Type != "" && env.Timestamp != 0 {
		var value any
		if err := json.Unmarshal(env.Value, &value); err != nil {
			return nil, nil, fmt.Errorf("%w: envelope value: %v", ErrDeserialization, err)
		}
		return value, &env, nil
	}

	// Legacy record: try raw JSON, fall back to the raw string.
	var value any
	if err := json.Unmarshal([]byte(s), &value); err == nil {
		return value, nil, nil
	}
	return s, nil, nil
}

// decodeInto parses a stored record directly into out, accepting both
// envelope-wrapped and legacy raw-JSON records.
func decodeInto(s string, out any) error {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err == nil && env.Type != "" && env.Timestamp != 0 {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return fmt.Errorf("%w: envelope value: %v", ErrDeserialization, err)
		}
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return nil
}

// jsonTypeOf reports the JSON type of an encoded value.
func jsonTypeOf(raw []byte) string {
	trimmed := strings.TrimLeftFunc(string(raw), unicode.IsSpace)
	if trimmed == "" {
		return "null"
	}
	switch trimmed[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
