package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/jackc/pgx/v5/pgtype"
)

// Payload is a JSON object stored in a JSONB column. Run payloads, step
// arguments and merged step payloads all use it.
type Payload map[string]any

// Scan implements sql.Scanner for reading from the database.
func (p *Payload) Scan(value any) error {
	if value == nil {
		*p = Payload{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return p.unmarshal(v)
	case string:
		return p.unmarshal([]byte(v))
	default:
		return fmt.Errorf("db.Payload.Scan: expected []byte or string, got %T", value)
	}
}

// Value implements driver.Valuer for writing to the database.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(p))
}

// ScanText implements the pgtype.TextScanner interface for pgx v5.
func (p *Payload) ScanText(v pgtype.Text) error {
	if !v.Valid {
		*p = Payload{}
		return nil
	}
	return p.unmarshal([]byte(v.String))
}

// TextValue implements the pgtype.TextValuer interface for pgx v5.
func (p Payload) TextValue() (pgtype.Text, error) {
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return pgtype.Text{}, err
	}
	return pgtype.Text{String: string(b), Valid: true}, nil
}

func (p *Payload) unmarshal(b []byte) error {
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("db.Payload: %w", err)
	}
	*p = m
	return nil
}

// Merge returns a new payload holding p overlaid with every layer in order.
// Later layers win on key collisions.
func (p Payload) Merge(layers ...Payload) Payload {
	out := make(Payload, len(p))
	maps.Copy(out, p)
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}

// String returns the value under key when it is a string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Float returns the value under key as a float64. JSON numbers decode as
// float64, but values set in process may still be integers.
func (p Payload) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Strings returns the value under key as a string slice, accepting both
// []string and the []any shape JSON decoding produces.
func (p Payload) Strings(key string) ([]string, bool) {
	switch v := p[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Clone deep-copies p through a JSON round trip, so the result carries the
// same shape the database would return.
func (p Payload) Clone() (Payload, error) {
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("db.Payload.Clone: %w", err)
	}
	var out Payload
	if err := out.unmarshal(b); err != nil {
		return nil, err
	}
	return out, nil
}
