package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
)

// JSONPayload is an opaque structured payload stored as JSON text.
// It implements sql.Scanner and driver.Valuer so gorm can persist it
// in a TEXT column.
type JSONPayload map[string]any

// Value implements driver.Valuer.
func (p JSONPayload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (p *JSONPayload) Scan(value any) error {
	if value == nil {
		*p = JSONPayload{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported payload type %T", value)
	}
	if len(data) == 0 {
		*p = JSONPayload{}
		return nil
	}
	return json.Unmarshal(data, p)
}

// String returns the payload's string field by key, or "" when absent
// or not a string.
func (p JSONPayload) String(key string) string {
	s, _ := p[key].(string)
	return s
}
