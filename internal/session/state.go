package session

import "fmt"

// RunState is the lifecycle phase of the device session.
type RunState int

const (
	RunIdle RunState = iota
	RunRunning
	RunCompleted
	RunAborted
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "Idle"
	case RunRunning:
		return "Running"
	case RunCompleted:
		return "Completed"
	case RunAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// ResultState is the outcome of the most recent command.
type ResultState int

const (
	ResultUnknown ResultState = iota
	ResultSuccess
	ResultFailure
)

func (s ResultState) String() string {
	switch s {
	case ResultUnknown:
		return "Unknown"
	case ResultSuccess:
		return "Success"
	case ResultFailure:
		return "Failure"
	default:
		return fmt.Sprintf("ResultState(%d)", int(s))
	}
}

// AssetState describes what the device knows about the part under the sensor.
type AssetState int

const (
	AssetUnknown AssetState = iota
	AssetIdentified
	AssetTracked
)

func (s AssetState) String() string {
	switch s {
	case AssetUnknown:
		return "Unknown"
	case AssetIdentified:
		return "Identified"
	case AssetTracked:
		return "Tracked"
	default:
		return fmt.Sprintf("AssetState(%d)", int(s))
	}
}

// ErrorType is the numeric error code published with a failed result.
// Linked devices may report codes not listed here; they pass through.
type ErrorType int

const (
	ErrorNone             ErrorType = 0
	ErrorGeneric          ErrorType = 1
	ErrorAborted          ErrorType = 2
	ErrorLinkLost         ErrorType = 3
	ErrorIDDuplicateFound ErrorType = 10
	ErrorFPDuplicateFound ErrorType = 11
	ErrorNotReady         ErrorType = 12
	ErrorRecovering       ErrorType = 13
	ErrorBadArguments     ErrorType = 14
)

var errorTypeNames = map[ErrorType]string{
	ErrorNone:             "None",
	ErrorGeneric:          "Generic",
	ErrorAborted:          "Aborted",
	ErrorLinkLost:         "LinkLost",
	ErrorIDDuplicateFound: "IDDuplicateFound",
	ErrorFPDuplicateFound: "FPDuplicateFound",
	ErrorNotReady:         "NotReady",
	ErrorRecovering:       "Recovering",
	ErrorBadArguments:     "BadArguments",
}

func (e ErrorType) String() string {
	if name, ok := errorTypeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ErrorType(%d)", int(e))
}

// Field names a published DeviceState variable.
type Field string

const (
	FieldCurrentCommand Field = "CurrentCommand"
	FieldRunState       Field = "RunState"
	FieldResultState    Field = "ResultState"
	FieldErrorType      Field = "ErrorType"
	FieldAssetState     Field = "AssetState"
	FieldLocation       Field = "Location"
)

// Fields lists every DeviceState field in publication order.
var Fields = []Field{
	FieldCurrentCommand,
	FieldRunState,
	FieldResultState,
	FieldErrorType,
	FieldAssetState,
	FieldLocation,
}

// DeviceState is the observable state of the device session.
// The zero value is the startup default.
type DeviceState struct {
	CurrentCommand string      `json:"CurrentCommand"`
	RunState       RunState    `json:"RunState"`
	ResultState    ResultState `json:"ResultState"`
	ErrorType      ErrorType   `json:"ErrorType"`
	AssetState     AssetState  `json:"AssetState"`
	Location       string      `json:"Location"`
}

// Value returns the published value of a field: a string for
// CurrentCommand and Location, an int for the enumerations.
func (s DeviceState) Value(f Field) any {
	switch f {
	case FieldCurrentCommand:
		return s.CurrentCommand
	case FieldRunState:
		return int(s.RunState)
	case FieldResultState:
		return int(s.ResultState)
	case FieldErrorType:
		return int(s.ErrorType)
	case FieldAssetState:
		return int(s.AssetState)
	case FieldLocation:
		return s.Location
	default:
		return nil
	}
}

// Changed returns the fields that differ between s and next, in
// publication order.
func (s DeviceState) Changed(next DeviceState) []Field {
	var out []Field
	for _, f := range Fields {
		if s.Value(f) != next.Value(f) {
			out = append(out, f)
		}
	}
	return out
}
