package session

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ParamType is the type of a command parameter.
type ParamType int

const (
	TypeString ParamType = iota
	TypeBool
)

func (t ParamType) String() string {
	if t == TypeBool {
		return "bool"
	}
	return "string"
}

// Class groups commands by their effect on DeviceState.
type Class int

const (
	ClassControl Class = iota
	ClassQuery
	// ClassIdentification commands are the only ones that may change
	// AssetState and Location.
	ClassIdentification
	ClassLighting
)

func (c Class) String() string {
	switch c {
	case ClassControl:
		return "control"
	case ClassQuery:
		return "query"
	case ClassIdentification:
		return "identification"
	case ClassLighting:
		return "lighting"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Param is one positional command parameter.
type Param struct {
	Name string    `json:"name"`
	Type ParamType `json:"-"`
}

// Descriptor is a command table entry.
type Descriptor struct {
	// Name is the wire name, e.g. "add_part".
	Name string
	// Service is the object-model method name, e.g. "AddPart".
	Service string
	Params  []Param
	Class   Class
	// Expected is the duration reported in the acceptance acknowledgment.
	Expected time.Duration
}

// Command names.
const (
	CmdResetSystem          = "reset_system"
	CmdGetStatus            = "get_status"
	CmdSetImageMatchingType = "set_image_matching_type"
	CmdAddPart              = "add_part"
	CmdTracePart            = "trace_part"
	CmdIdentify             = "identify"
	CmdFlash                = "flash"
	CmdPing                 = "ping"
)

// DefaultTable returns the static command allow-list. maxLighting is the
// MaxLightingTime capability and becomes the expected duration of flash.
func DefaultTable(maxLighting time.Duration) *Table {
	str := func(name string) Param { return Param{Name: name, Type: TypeString} }
	flag := func(name string) Param { return Param{Name: name, Type: TypeBool} }

	return NewTable(
		Descriptor{Name: CmdResetSystem, Service: "ResetSystem", Class: ClassControl, Expected: 5 * time.Millisecond},
		Descriptor{Name: CmdGetStatus, Service: "GetStatus", Class: ClassQuery, Expected: 10 * time.Millisecond},
		Descriptor{
			Name: CmdSetImageMatchingType, Service: "SetImageMatchingType", Class: ClassControl,
			Params:   []Param{str("name")},
			Expected: 10 * time.Millisecond,
		},
		Descriptor{
			Name: CmdAddPart, Service: "AddPart", Class: ClassIdentification,
			Params: []Param{
				str("database_name"), flag("check_id_duplicates"), flag("check_fp_duplicates"),
				str("part_id"), str("batch_id"), str("part_type"),
			},
			Expected: 2000 * time.Millisecond,
		},
		Descriptor{
			Name: CmdTracePart, Service: "TracePart", Class: ClassIdentification,
			Params: []Param{
				str("database_name"), str("ref_database_names"), flag("trace_all_databases"),
				str("batch_ids"), flag("trace_batchwise"), str("part_types"), flag("trace_typewise"),
			},
			Expected: 2100 * time.Millisecond,
		},
		Descriptor{Name: CmdIdentify, Service: "Identify", Class: ClassIdentification, Expected: 2000 * time.Millisecond},
		Descriptor{Name: CmdFlash, Service: "Flash", Class: ClassLighting, Expected: maxLighting},
		Descriptor{Name: CmdPing, Service: "Ping", Class: ClassQuery},
	)
}

// Table is an immutable, ordered set of command descriptors.
type Table struct {
	order  []Descriptor
	byName map[string]int
}

// NewTable builds a table. Later duplicates replace earlier entries.
func NewTable(descriptors ...Descriptor) *Table {
	t := &Table{byName: make(map[string]int, len(descriptors))}
	for _, d := range descriptors {
		if i, ok := t.byName[d.Name]; ok {
			t.order[i] = d
			continue
		}
		t.byName[d.Name] = len(t.order)
		t.order = append(t.order, d)
	}
	return t
}

// Lookup finds a descriptor by wire name.
func (t *Table) Lookup(name string) (Descriptor, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return t.order[i], true
}

// Descriptors returns the table in declaration order.
func (t *Table) Descriptors() []Descriptor {
	return append([]Descriptor(nil), t.order...)
}

// Command is a descriptor bound to validated, coerced arguments.
type Command struct {
	Descriptor
	Args []any
}

// Bind validates args against the parameters and coerces them to their
// declared types.
func (d Descriptor) Bind(args []any) (Command, error) {
	if len(args) != len(d.Params) {
		return Command{}, fmt.Errorf("%w: %s takes %d arguments, got %d",
			ErrInvalidArguments, d.Name, len(d.Params), len(args))
	}

	bound := make([]any, len(args))
	for i, p := range d.Params {
		v, err := coerce(p.Type, args[i])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %s.%s: %w", ErrInvalidArguments, d.Name, p.Name, err)
		}
		bound[i] = v
	}
	return Command{Descriptor: d, Args: bound}, nil
}

// StringArg returns the named string argument, or "" if absent.
func (c Command) StringArg(name string) string {
	s, _ := c.arg(name).(string)
	return s
}

// BoolArg returns the named bool argument, or false if absent.
func (c Command) BoolArg(name string) bool {
	b, _ := c.arg(name).(bool)
	return b
}

// Named returns the arguments keyed by parameter name.
func (c Command) Named() map[string]any {
	out := make(map[string]any, len(c.Params))
	for i, p := range c.Params {
		out[p.Name] = c.Args[i]
	}
	return out
}

func (c Command) arg(name string) any {
	for i, p := range c.Params {
		if p.Name == name && i < len(c.Args) {
			return c.Args[i]
		}
	}
	return nil
}

func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("want string, got %T", v)
	case TypeBool:
		return coerceBool(v)
	default:
		return nil, fmt.Errorf("unsupported parameter type %d", t)
	}
}

// coerceBool accepts bool, "true"/"false" and the integers 0 and 1 in any
// of the forms JSON and CBOR decoders produce.
func coerceBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("want bool, got %q", b)
	}

	n, ok := integral(v)
	if !ok {
		return false, fmt.Errorf("want bool, got %T", v)
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("want bool, got %d", n)
}

func integral(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
