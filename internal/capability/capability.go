package capability

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the type inferred for a value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	default:
		return "string"
	}
}

// Value is a typed capability or property value.
type Value struct {
	Kind  Kind
	Array bool
	raw   any
}

// Raw returns the typed Go value: int64, bool, float64 or string, or a
// slice of one of those for arrays.
func (v Value) Raw() any {
	return v.raw
}

func (v Value) String() string {
	return fmt.Sprint(v.raw)
}

// Parse types a raw config string.
//
// The kind is inferred from the first comma-separated element: only
// digits is an int, true/false is a bool, anything ParseFloat accepts is a
// float, everything else a string. Every element is then converted to
// that kind and more than one element makes an array. Surrounding double
// quotes are stripped from each element.
func Parse(s string) (Value, error) {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(parts[i]), `"`)
	}

	kind := infer(parts[0])
	if len(parts) == 1 {
		var raw any
		var err error
		switch kind {
		case KindInt:
			raw, err = parseInt(parts[0])
		case KindBool:
			raw, err = parseBool(parts[0])
		case KindFloat:
			raw, err = parseFloat(parts[0])
		default:
			raw = parts[0]
		}
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: kind, raw: raw}, nil
	}

	var raw any
	var err error
	switch kind {
	case KindInt:
		raw, err = convertAll(parts, parseInt)
	case KindBool:
		raw, err = convertAll(parts, parseBool)
	case KindFloat:
		raw, err = convertAll(parts, parseFloat)
	default:
		raw = parts
	}
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: kind, Array: true, raw: raw}, nil
}

func infer(first string) Kind {
	switch {
	case first != "" && strings.Trim(first, "0123456789") == "":
		return KindInt
	case strings.EqualFold(first, "true"), strings.EqualFold(first, "false"):
		return KindBool
	}
	if _, err := strconv.ParseFloat(first, 64); err == nil {
		return KindFloat
	}
	return KindString
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
	}
	return n, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a bool", ErrInvalidValue, s)
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, s)
	}
	return f, nil
}

func convertAll[T any](parts []string, conv func(string) (T, error)) ([]T, error) {
	out := make([]T, len(parts))
	for i, p := range parts {
		v, err := conv(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
