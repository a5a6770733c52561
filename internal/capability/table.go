package capability

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Well-known capability names.
const (
	MaxLightingTime = "MaxLightingTime"
	MinRecoverTime  = "MinRecoverTime"
)

// Table is an immutable name to typed value mapping.
//
// Thread Safety:
//   - A Table is never modified after Load and is safe for concurrent reads.
type Table struct {
	values map[string]Value
}

// Load types every entry of raw. All invalid entries are reported together.
func Load(raw map[string]string) (*Table, error) {
	t := &Table{values: make(map[string]Value, len(raw))}
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(raw)) {
		v, err := Parse(raw[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		t.values[name] = v
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}

// Names returns the names in sorted order.
func (t *Table) Names() []string {
	if t == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(t.values))
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.values)
}

// Get returns the value for name.
func (t *Table) Get(name string) (Value, bool) {
	if t == nil {
		return Value{}, false
	}
	v, ok := t.values[name]
	return v, ok
}

// Map returns every raw value keyed by name, for JSON encoding.
func (t *Table) Map() map[string]any {
	out := make(map[string]any, t.Len())
	for _, name := range t.Names() {
		out[name] = t.values[name].raw
	}
	return out
}

// Int returns a scalar integer value.
func (t *Table) Int(name string) (int64, error) {
	v, err := t.scalar(name, KindInt)
	if err != nil {
		return 0, err
	}
	return v.raw.(int64), nil
}

// Bool returns a scalar boolean value.
func (t *Table) Bool(name string) (bool, error) {
	v, err := t.scalar(name, KindBool)
	if err != nil {
		return false, err
	}
	return v.raw.(bool), nil
}

// Float returns a scalar number. Integers are widened.
func (t *Table) Float(name string) (float64, error) {
	v, ok := t.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	switch raw := v.raw.(type) {
	case float64:
		return raw, nil
	case int64:
		return float64(raw), nil
	}
	return 0, fmt.Errorf("%w: %s is %s", ErrWrongType, name, describe(v))
}

// Text returns a scalar string value.
func (t *Table) Text(name string) (string, error) {
	v, err := t.scalar(name, KindString)
	if err != nil {
		return "", err
	}
	return v.raw.(string), nil
}

// Millis reads a numeric value as a duration in milliseconds.
func (t *Table) Millis(name string) (time.Duration, error) {
	f, err := t.Float(name)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidValue, name)
	}
	return time.Duration(f * float64(time.Millisecond)), nil
}

// MillisOr is Millis with a fallback for missing or unusable values.
func (t *Table) MillisOr(name string, fallback time.Duration) time.Duration {
	d, err := t.Millis(name)
	if err != nil {
		return fallback
	}
	return d
}

func (t *Table) scalar(name string, kind Kind) (Value, error) {
	v, ok := t.Get(name)
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if v.Kind != kind || v.Array {
		return Value{}, fmt.Errorf("%w: %s is %s, not %s", ErrWrongType, name, describe(v), kind)
	}
	return v, nil
}

func describe(v Value) string {
	if v.Array {
		return "[]" + v.Kind.String()
	}
	return v.Kind.String()
}

// Store holds the two read-only tables published by the object model.
type Store struct {
	Capabilities *Table
	Properties   *Table
}

// NewStore loads both tables from their config maps.
func NewStore(capabilities, properties map[string]string) (*Store, error) {
	caps, err := Load(capabilities)
	if err != nil {
		return nil, fmt.Errorf("loading capabilities: %w", err)
	}
	props, err := Load(properties)
	if err != nil {
		return nil, fmt.Errorf("loading properties: %w", err)
	}
	return &Store{Capabilities: caps, Properties: props}, nil
}
