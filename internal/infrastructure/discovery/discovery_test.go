package discovery

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
)

func TestStart_Disabled(t *testing.T) {
	if _, err := Start(config.DiscoveryConfig{}, Info{}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Start() error = %v, want ErrDisabled", err)
	}
}

func TestInstanceName(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		moduleID   string
		want       string
	}{
		{"configured wins", "Line 3 Reader", "fp-001", "Line 3 Reader"},
		{"derived from module", "", "fp-001", "Fingerprint-fp-001"},
		{"truncated", strings.Repeat("x", 80), "", strings.Repeat("x", maxInstanceNameLen)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InstanceName(tt.configured, tt.moduleID); got != tt.want {
				t.Errorf("InstanceName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTXTRecords(t *testing.T) {
	got := TXTRecords(Info{ModuleID: "fp-001", Mode: "mockup", Version: "1.2.0"})
	want := []string{"mode=mockup", "module=fp-001", "version=1.2.0"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TXTRecords() = %v, want %v", got, want)
	}

	if got := TXTRecords(Info{ModuleID: "fp-001"}); len(got) != 1 {
		t.Errorf("empty values should be omitted, got %v", got)
	}

	parsed := ParseTXTRecords(append(want, "flag", "=novalue"))
	if parsed["mode"] != "mockup" || parsed["module"] != "fp-001" {
		t.Errorf("ParseTXTRecords() = %v", parsed)
	}
	if _, ok := parsed["flag"]; !ok {
		t.Error("key without value should be kept")
	}
	if _, ok := parsed[""]; ok {
		t.Error("empty key should be dropped")
	}
}

func TestAdvertiser_StopNil(t *testing.T) {
	var a *Advertiser
	a.Stop()
	(&Advertiser{}).Stop()
}
