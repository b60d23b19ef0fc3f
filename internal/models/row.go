package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// IDColumn is the primary-key column every migrated table is keyed on
const IDColumn = "id"

// Kind identifies which variant a Value holds
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindBool
	KindString
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindJSON:
		return "json"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a single database cell. Numbers keep their literal text so identity
// values and numerics round-trip without float conversion.
type Value struct {
	kind Kind
	text string
	b    bool
	raw  json.RawMessage
}

// Null returns the SQL NULL value
func Null() Value { return Value{kind: KindNull} }

// Number returns a numeric value from its literal text
func Number(n json.Number) Value { return Value{kind: KindNumber, text: n.String()} }

// Int returns a numeric value for an integer
func Int(n int64) Value { return Value{kind: KindNumber, text: strconv.FormatInt(n, 10)} }

// Float returns a numeric value for a float
func Float(f float64) Value {
	return Value{kind: KindNumber, text: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String returns a text value
func String(s string) Value { return Value{kind: KindString, text: s} }

// JSON returns a JSON object or array value. The input must be valid JSON.
func JSON(raw json.RawMessage) Value {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return Value{kind: KindJSON, raw: cp}
}

// Kind reports the variant held by v
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is NULL
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsNumber returns the numeric literal if v is a number
func (v Value) AsNumber() (json.Number, bool) {
	if v.kind != KindNumber {
		return "", false
	}
	return json.Number(v.text), true
}

// AsBool returns the boolean if v is a bool
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsString returns the text if v is a string
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.text, true
}

// AsJSON returns the raw document if v is a JSON blob
func (v Value) AsJSON() (json.RawMessage, bool) {
	if v.kind != KindJSON {
		return nil, false
	}
	return v.raw, true
}

// Equal reports whether two values hold the same variant and content
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindJSON:
		return jsonEqual(v.raw, o.raw)
	default:
		return v.text == o.text
	}
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindNumber:
		return []byte(v.text), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindString:
		return json.Marshal(v.text)
	case KindJSON:
		return v.raw, nil
	default:
		return nil, fmt.Errorf("cannot marshal value of %s", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case 'n':
		*v = Null()
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case '{', '[':
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON document")
		}
		*v = JSON(data)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid number %q: %w", data, err)
		}
		*v = Number(n)
	}
	return nil
}

var numericLiteral = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// IsNumericLiteral reports whether s is a JSON number, which is also a valid
// SQL numeric constant
func IsNumericLiteral(s string) bool {
	return numericLiteral.MatchString(s)
}

// Value implements driver.Valuer so rows can be bound directly by database/sql
func (v Value) Value() (driver.Value, error) {
	switch v.kind {
	case KindNull:
		return nil, nil
	case KindNumber:
		if i, err := strconv.ParseInt(v.text, 10, 64); err == nil {
			return i, nil
		}
		if !IsNumericLiteral(v.text) {
			return nil, fmt.Errorf("invalid number %q", v.text)
		}
		// The server parses the text into the column type
		return v.text, nil
	case KindBool:
		return v.b, nil
	case KindString:
		return v.text, nil
	case KindJSON:
		return string(v.raw), nil
	default:
		return nil, fmt.Errorf("unsupported value kind %s", v.kind)
	}
}

// FromAny converts a value produced by a database driver or a generic JSON
// decoder into a Value
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case json.RawMessage:
		var v Value
		err := v.UnmarshalJSON(t)
		return v, err
	case []byte:
		trimmed := bytes.TrimSpace(t)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
			return JSON(trimmed), nil
		}
		return String(string(t)), nil
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Number(json.Number(strconv.FormatUint(uint64(t), 10))), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Number(json.Number(strconv.FormatUint(t, 10))), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		raw, err := json.Marshal(in)
		if err != nil {
			return Value{}, fmt.Errorf("cannot encode %T as JSON: %w", in, err)
		}
		return JSON(raw), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		return FromAny(rv.Elem().Interface())
	}

	return Value{}, fmt.Errorf("unsupported cell type %T", in)
}

// Row is one database row keyed by column name
type Row map[string]Value

// Columns returns the row's column names in sorted order
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// ID returns the primary-key value if present
func (r Row) ID() (Value, bool) {
	v, ok := r[IDColumn]
	return v, ok
}

// WithoutID returns a copy of the row with the primary key removed
func (r Row) WithoutID() Row {
	out := make(Row, len(r))
	for col, v := range r {
		if col == IDColumn {
			continue
		}
		out[col] = v
	}
	return out
}

// Map returns the row as driver values, suitable for gorm map inserts
func (r Row) Map() (map[string]any, error) {
	out := make(map[string]any, len(r))
	for col, v := range r {
		dv, err := v.Value()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		out[col] = dv
	}
	return out, nil
}

// Equal reports whether both rows have identical columns and values
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for col, v := range r {
		ov, ok := o[col]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// ColumnUnion returns the sorted union of column names across rows
func ColumnUnion(rows []Row) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
