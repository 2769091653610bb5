package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*SSOConfig)(nil)
	_ driver.Valuer = SSOConfig{}
	_ sql.Scanner   = (*EventMetadata)(nil)
	_ driver.Valuer = EventMetadata(nil)
)

// EventMetadata is a free-form JSONB object.
type EventMetadata map[string]any

// scanJSONB scans a JSONB database value into dest. It accepts the []byte and
// string representations produced by different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

func valueJSONB(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner.
func (c *SSOConfig) Scan(value any) error {
	if value == nil {
		*c = SSOConfig{}
		return nil
	}
	return scanJSONB(c, value)
}

// Value implements driver.Valuer. It stores the full config including the
// client secret; API responses go through Redacted.
func (c SSOConfig) Value() (driver.Value, error) {
	type plain SSOConfig
	return valueJSONB(plain(c))
}

// Scan implements sql.Scanner.
func (m *EventMetadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements driver.Valuer.
func (m EventMetadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return valueJSONB(map[string]any(m))
}
