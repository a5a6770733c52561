package session

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultTable(t *testing.T) {
	table := DefaultTable(750 * time.Millisecond)

	want := []string{
		CmdResetSystem, CmdGetStatus, CmdSetImageMatchingType, CmdAddPart,
		CmdTracePart, CmdIdentify, CmdFlash, CmdPing,
	}
	got := table.Descriptors()
	if len(got) != len(want) {
		t.Fatalf("Descriptors() len = %d, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("Descriptors()[%d] = %s, want %s", i, got[i].Name, name)
		}
	}

	flash, ok := table.Lookup(CmdFlash)
	if !ok || flash.Expected != 750*time.Millisecond || flash.Class != ClassLighting {
		t.Errorf("flash = %+v, %v", flash, ok)
	}
	add, _ := table.Lookup(CmdAddPart)
	if len(add.Params) != 6 || add.Class != ClassIdentification {
		t.Errorf("add_part = %+v", add)
	}
	trace, _ := table.Lookup(CmdTracePart)
	if len(trace.Params) != 7 || trace.Service != "TracePart" {
		t.Errorf("trace_part = %+v", trace)
	}
	if _, ok := table.Lookup("Flash"); ok {
		t.Error("Lookup should be case-sensitive")
	}
}

func TestNewTable_DuplicateReplaces(t *testing.T) {
	table := NewTable(
		Descriptor{Name: "a", Expected: time.Second},
		Descriptor{Name: "b"},
		Descriptor{Name: "a", Expected: 2 * time.Second},
	)
	ds := table.Descriptors()
	if len(ds) != 2 || ds[0].Name != "a" || ds[0].Expected != 2*time.Second {
		t.Errorf("Descriptors() = %+v", ds)
	}
}

func TestBind_BoolCoercion(t *testing.T) {
	d := Descriptor{Name: "x", Params: []Param{{Name: "flag", Type: TypeBool}}}

	tests := []struct {
		in      any
		want    bool
		wantErr bool
	}{
		{true, true, false},
		{false, false, false},
		{"true", true, false},
		{" FALSE ", false, false},
		{1, true, false},
		{int64(0), false, false},
		{uint64(1), true, false},
		{float64(1), true, false},
		{float64(0.5), false, true},
		{2, false, true},
		{"yes", false, true},
		{nil, false, true},
		{[]any{}, false, true},
	}
	for _, tt := range tests {
		cmd, err := d.Bind([]any{tt.in})
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidArguments) {
				t.Errorf("Bind(%#v) error = %v, want ErrInvalidArguments", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Bind(%#v) error = %v", tt.in, err)
			continue
		}
		if got := cmd.BoolArg("flag"); got != tt.want {
			t.Errorf("Bind(%#v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBind_Strings(t *testing.T) {
	d, _ := DefaultTable(0).Lookup(CmdSetImageMatchingType)

	cmd, err := d.Bind([]any{"gear"})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if cmd.StringArg("name") != "gear" {
		t.Errorf("StringArg(name) = %q", cmd.StringArg("name"))
	}
	if cmd.StringArg("missing") != "" || cmd.BoolArg("name") {
		t.Error("absent or mistyped arguments should read as zero")
	}
	if _, err := d.Bind([]any{true}); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Bind(bool) error = %v", err)
	}
	if _, err := d.Bind(nil); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("Bind(nil) error = %v", err)
	}
}

func TestCommand_Named(t *testing.T) {
	d, _ := DefaultTable(0).Lookup(CmdAddPart)
	cmd, err := d.Bind([]any{"db", 1, "false", "p", "b", "t"})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	named := cmd.Named()
	want := map[string]any{
		"database_name":       "db",
		"check_id_duplicates": true,
		"check_fp_duplicates": false,
		"part_id":             "p",
		"batch_id":            "b",
		"part_type":           "t",
	}
	if len(named) != len(want) {
		t.Fatalf("Named() = %v", named)
	}
	for k, v := range want {
		if named[k] != v {
			t.Errorf("Named()[%s] = %v, want %v", k, named[k], v)
		}
	}
}
