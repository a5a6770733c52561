package linked

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ProtocolVersion is announced by the device in its Hello.
const ProtocolVersion = 1

// Partner types sent in the host Hello.
const (
	PartnerReader     = "reader"
	PartnerManagement = "management"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Integers decode as int64 and nested maps with string keys as
	// map[string]any so outputs can be re-encoded as JSON.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		IntDec:            cbor.IntDecConvertSigned,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Hello is sent by the host after connecting.
//
//	{1: partner_type, 2: client_name}
type Hello struct {
	PartnerType string `cbor:"1,keyasint"`
	ClientName  string `cbor:"2,keyasint,omitempty"`
}

// HelloReply is the device's answer to Hello.
//
//	{1: device_name, 2: protocol_version}
type HelloReply struct {
	DeviceName      string `cbor:"1,keyasint"`
	ProtocolVersion uint16 `cbor:"2,keyasint"`
}

// Execute asks the device to run a command.
//
//	{1: request_id, 2: command, 3: args}
type Execute struct {
	RequestID uint32 `cbor:"1,keyasint"`
	Command   string `cbor:"2,keyasint"`
	Args      []any  `cbor:"3,keyasint"`
}

// Result is the device's completion of an Execute.
//
//	{1: request_id, 2: result, 3: error_type, 4: asset_state,
//	 5: location, 6: asset_update, 7: outputs}
type Result struct {
	RequestID   uint32         `cbor:"1,keyasint"`
	Result      uint8          `cbor:"2,keyasint"`
	ErrorType   int            `cbor:"3,keyasint"`
	AssetState  uint8          `cbor:"4,keyasint"`
	Location    string         `cbor:"5,keyasint"`
	AssetUpdate bool           `cbor:"6,keyasint"`
	Outputs     map[string]any `cbor:"7,keyasint,omitempty"`
}

// Abort asks the device to cancel a request.
//
//	{1: request_id}
type Abort struct {
	RequestID uint32 `cbor:"1,keyasint"`
}

// Marshal encodes a message body.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a message body.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// encodeMessage marshals v and frames it.
func encodeMessage(msgType uint16, v any) ([]byte, error) {
	var payload []byte
	if v != nil {
		var err error
		payload, err = Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", TypeName(msgType), err)
		}
	}
	return EncodeFrame(msgType, payload)
}

// decodeMessage unmarshals a payload. Any failure is a desync.
func decodeMessage(msgType uint16, payload []byte, v any) error {
	if err := Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrProtocolDesync, TypeName(msgType), err)
	}
	return nil
}
