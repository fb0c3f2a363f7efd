/******************************************************************************
 *
 *  Description :
 *    Table descriptors: column names, types, nullability and defaults. Used
 *    to validate and convert records at the sync boundary.
 *
 *****************************************************************************/

package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
)

// Well-known columns.
const (
	// IDColumn is the primary key of every synced table.
	IDColumn = "id"
	// UpdatedAtColumn holds the modification time in epoch milliseconds. Filled by the server.
	UpdatedAtColumn = "updated_at"
)

var (
	// ErrMissingColumn is returned when a record lacks a required column.
	ErrMissingColumn = errors.New("schema: missing required column")
	// ErrUnknownColumn is returned for a property not described by the table.
	ErrUnknownColumn = errors.New("schema: unknown column")
	// ErrBadValue is returned when a value cannot be converted to the column type.
	ErrBadValue = errors.New("schema: value does not match column type")
)

// Type is a column type.
type Type string

const (
	Text    Type = "text"
	Integer Type = "integer"
	Real    Type = "real"
	Boolean Type = "boolean"
	UUID    Type = "uuid"
	JSON    Type = "json"
)

// Column describes one property of a record.
type Column struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// HasDefault checks if the column has a default value.
func (c Column) HasDefault() bool {
	return c.Default != nil
}

// IsRequired checks if a new record must carry a value for the column.
func (c Column) IsRequired() bool {
	return !c.Nullable && !c.HasDefault() && c.Name != UpdatedAtColumn
}

// Table describes the columns of a table.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column finds a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasUpdatedAt checks if the table tracks modification time.
func (t *Table) HasUpdatedAt() bool {
	_, ok := t.Column(UpdatedAtColumn)
	return ok
}

// MissingRequired returns required columns absent from the record.
func (t *Table) MissingRequired(record map[string]any) []string {
	var missing []string
	for _, c := range t.Columns {
		if _, ok := record[c.Name]; !ok && c.IsRequired() {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// Complete returns a copy of a new record with defaults and nulls filled in and values
// converted to column types. It fails if a required column is missing.
func (t *Table) Complete(record map[string]any) (map[string]any, error) {
	if missing := t.MissingRequired(record); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingColumn, t.Name, missing[0])
	}
	out := make(map[string]any, len(t.Columns))
	for _, c := range t.Columns {
		v, ok := record[c.Name]
		switch {
		case ok:
		case c.HasDefault():
			v = c.Default
		case c.Name == UpdatedAtColumn && !c.Nullable:
			continue
		default:
			v = nil
		}
		conv, err := c.Convert(v)
		if err != nil {
			return nil, err
		}
		out[c.Name] = conv
	}
	return out, nil
}

// Convert converts the properties present in a partial record.
func (t *Table) Convert(record map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for name, v := range record {
		c, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, name)
		}
		conv, err := c.Convert(v)
		if err != nil {
			return nil, err
		}
		out[name] = conv
	}
	return out, nil
}

func (c Column) badValue(v any) error {
	return fmt.Errorf("%w: %s (%s) = %v", ErrBadValue, c.Name, c.Type, v)
}

// Convert normalizes a JSON or Go value to the column type: int64, float64, string, bool,
// canonical UUID string or an arbitrary JSON value.
func (c Column) Convert(v any) (any, error) {
	if v == nil {
		if c.Nullable || c.Name == UpdatedAtColumn {
			return nil, nil
		}
		return nil, c.badValue(v)
	}

	switch c.Type {
	case Text:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case Integer:
		switch n := v.(type) {
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i, nil
			}
		}
	case Real:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	case Boolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case float64:
			return b != 0, nil
		}
	case UUID:
		switch id := v.(type) {
		case uuid.UUID:
			return id.String(), nil
		case string:
			if parsed, err := uuid.Parse(id); err == nil {
				return parsed.String(), nil
			}
		case []byte:
			if parsed, err := uuid.ParseBytes(id); err == nil {
				return parsed.String(), nil
			}
		}
	case JSON:
		return v, nil
	}
	return nil, c.badValue(v)
}

// ToSQL converts a normalized value to a database driver argument.
func (c Column) ToSQL(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c.Type == JSON {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	}
	return c.Convert(v)
}

// FromSQL converts a value scanned from the database to its normalized form.
func (c Column) FromSQL(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c.Type == JSON {
		var raw []byte
		switch s := v.(type) {
		case string:
			raw = []byte(s)
		case []byte:
			raw = s
		default:
			return v, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, c.badValue(v)
		}
		return out, nil
	}
	if b, ok := v.([]byte); ok {
		// Some drivers return text and numbers as bytes.
		switch c.Type {
		case Integer:
			v = string(b)
		case Boolean:
			return string(b) != "0" && string(b) != "false", nil
		case Real:
			f, err := strconv.ParseFloat(string(b), 64)
			if err != nil {
				return nil, c.badValue(v)
			}
			return f, nil
		}
	}
	return c.Convert(v)
}
