package session

import (
	"slices"
	"testing"
)

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{RunIdle.String(), "Idle"},
		{RunRunning.String(), "Running"},
		{RunCompleted.String(), "Completed"},
		{RunAborted.String(), "Aborted"},
		{ResultUnknown.String(), "Unknown"},
		{ResultSuccess.String(), "Success"},
		{ResultFailure.String(), "Failure"},
		{AssetUnknown.String(), "Unknown"},
		{AssetIdentified.String(), "Identified"},
		{AssetTracked.String(), "Tracked"},
		{ErrorLinkLost.String(), "LinkLost"},
		{ErrorFPDuplicateFound.String(), "FPDuplicateFound"},
		{ErrorType(99).String(), "ErrorType(99)"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDeviceState_Changed(t *testing.T) {
	base := DeviceState{CurrentCommand: "ping", RunState: RunRunning}

	tests := []struct {
		name string
		next DeviceState
		want []Field
	}{
		{"identical", base, nil},
		{
			"completion",
			DeviceState{CurrentCommand: "ping", RunState: RunCompleted, ResultState: ResultFailure, ErrorType: ErrorGeneric},
			[]Field{FieldRunState, FieldResultState, FieldErrorType},
		},
		{
			"asset",
			DeviceState{CurrentCommand: "ping", RunState: RunRunning, AssetState: AssetTracked, Location: "db"},
			[]Field{FieldAssetState, FieldLocation},
		},
		{
			"to default",
			DeviceState{},
			[]Field{FieldCurrentCommand, FieldRunState},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Changed(tt.next); !slices.Equal(got, tt.want) {
				t.Errorf("Changed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceState_Value(t *testing.T) {
	s := DeviceState{CurrentCommand: "flash", RunState: RunAborted, ErrorType: ErrorAborted, Location: "here"}

	if v := s.Value(FieldRunState); v != 3 {
		t.Errorf("RunState value = %v, want 3", v)
	}
	if v := s.Value(FieldErrorType); v != 2 {
		t.Errorf("ErrorType value = %v, want 2", v)
	}
	if v := s.Value(FieldLocation); v != "here" {
		t.Errorf("Location value = %v", v)
	}
	if v := s.Value(Field("Bogus")); v != nil {
		t.Errorf("unknown field value = %v, want nil", v)
	}
}
