// Package wire implements the call encoding: tagged-variant
// parameter/return values and the FunctionCall/GuestError records
// exchanged between host and guest through the shared input/output
// regions guestmem.Layout describes.
//
// The codec is github.com/fxamacker/cbor/v2: CBOR already gives tagged,
// self-describing values for free, so ParameterValue/ReturnValue map onto
// it as structs holding a Type discriminator plus integer-keyed value
// fields rather than a hand-rolled TLV format.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidEncoding is returned when a decoded frame carries a
// discriminator this package does not recognize.
var ErrInvalidEncoding = errors.New("wire: invalid encoding")

// ParameterType is the discriminator half of ParameterValue.
type ParameterType uint8

const (
	ParamString ParameterType = iota
	ParamInt
	ParamLong
	ParamUInt
	ParamULong
	ParamBool
	ParamVecBytes
)

func (t ParameterType) String() string {
	switch t {
	case ParamString:
		return "String"
	case ParamInt:
		return "Int"
	case ParamLong:
		return "Long"
	case ParamUInt:
		return "UInt"
	case ParamULong:
		return "ULong"
	case ParamBool:
		return "Bool"
	case ParamVecBytes:
		return "VecBytes"
	default:
		return "Invalid"
	}
}

// ParameterValue is a tagged variant: exactly one of the typed fields is
// meaningful, selected by Type.
type ParameterValue struct {
	Type ParameterType

	StringValue   string `cbor:"1,keyasint,omitempty"`
	IntValue      int32  `cbor:"2,keyasint,omitempty"`
	LongValue     int64  `cbor:"3,keyasint,omitempty"`
	UIntValue     uint32 `cbor:"4,keyasint,omitempty"`
	ULongValue    uint64 `cbor:"5,keyasint,omitempty"`
	BoolValue     bool   `cbor:"6,keyasint,omitempty"`
	VecBytesValue []byte `cbor:"7,keyasint,omitempty"`
}

func String(v string) ParameterValue   { return ParameterValue{Type: ParamString, StringValue: v} }
func Int(v int32) ParameterValue       { return ParameterValue{Type: ParamInt, IntValue: v} }
func Long(v int64) ParameterValue      { return ParameterValue{Type: ParamLong, LongValue: v} }
func UInt(v uint32) ParameterValue     { return ParameterValue{Type: ParamUInt, UIntValue: v} }
func ULong(v uint64) ParameterValue    { return ParameterValue{Type: ParamULong, ULongValue: v} }
func Bool(v bool) ParameterValue       { return ParameterValue{Type: ParamBool, BoolValue: v} }
func VecBytes(v []byte) ParameterValue { return ParameterValue{Type: ParamVecBytes, VecBytesValue: v} }

// ReturnType is the discriminator half of ReturnValue. It shares ordering
// with ParameterType plus a leading Void.
type ReturnType uint8

const (
	ReturnVoid ReturnType = iota
	ReturnString
	ReturnInt
	ReturnLong
	ReturnUInt
	ReturnULong
	ReturnBool
	ReturnVecBytes
)

func (t ReturnType) String() string {
	switch t {
	case ReturnVoid:
		return "Void"
	case ReturnString:
		return "String"
	case ReturnInt:
		return "Int"
	case ReturnLong:
		return "Long"
	case ReturnUInt:
		return "UInt"
	case ReturnULong:
		return "ULong"
	case ReturnBool:
		return "Bool"
	case ReturnVecBytes:
		return "VecBytes"
	default:
		return "Invalid"
	}
}

// ReturnValue mirrors ParameterValue's shape for the guest->host direction.
type ReturnValue struct {
	Type ReturnType

	StringValue   string `cbor:"1,keyasint,omitempty"`
	IntValue      int32  `cbor:"2,keyasint,omitempty"`
	LongValue     int64  `cbor:"3,keyasint,omitempty"`
	UIntValue     uint32 `cbor:"4,keyasint,omitempty"`
	ULongValue    uint64 `cbor:"5,keyasint,omitempty"`
	BoolValue     bool   `cbor:"6,keyasint,omitempty"`
	VecBytesValue []byte `cbor:"7,keyasint,omitempty"`
}

func VoidReturn() ReturnValue                { return ReturnValue{Type: ReturnVoid} }
func StringReturn(v string) ReturnValue      { return ReturnValue{Type: ReturnString, StringValue: v} }
func IntReturn(v int32) ReturnValue          { return ReturnValue{Type: ReturnInt, IntValue: v} }
func LongReturn(v int64) ReturnValue         { return ReturnValue{Type: ReturnLong, LongValue: v} }
func UIntReturn(v uint32) ReturnValue        { return ReturnValue{Type: ReturnUInt, UIntValue: v} }
func ULongReturn(v uint64) ReturnValue       { return ReturnValue{Type: ReturnULong, ULongValue: v} }
func BoolReturn(v bool) ReturnValue          { return ReturnValue{Type: ReturnBool, BoolValue: v} }
func VecBytesReturn(v []byte) ReturnValue    { return ReturnValue{Type: ReturnVecBytes, VecBytesValue: v} }

// CallKind distinguishes which side's dispatcher should act on a
// FunctionCall frame.
type CallKind uint8

const (
	CallGuest CallKind = iota
	CallHost
)

// FunctionCall is the immutable record of one cross-boundary call.
type FunctionCall struct {
	FunctionName string
	Parameters   []ParameterValue
	Kind         CallKind
	ReturnType   ReturnType
}

// ErrorCode enumerates GuestError.Code.
type ErrorCode uint8

const (
	NoError ErrorCode = iota
	GuestErrorCode
	OutbError
	StackOverflow
	GuestFunctionNotFound
	GuestFunctionParameterTypeMismatch
	GuestFunctionIncorrectNumberOfParameters
	ReturnValueConversionFailure
	GuestAborted
	GuestMemoryFault
	HypervisorInternalError
	SandboxPoisoned
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NoError"
	case GuestErrorCode:
		return "GuestError"
	case OutbError:
		return "OutbError"
	case StackOverflow:
		return "StackOverflow"
	case GuestFunctionNotFound:
		return "GuestFunctionNotFound"
	case GuestFunctionParameterTypeMismatch:
		return "GuestFunctionParameterTypeMismatch"
	case GuestFunctionIncorrectNumberOfParameters:
		return "GuestFunctionIncorrectNumberOfParameters"
	case ReturnValueConversionFailure:
		return "ReturnValueConversionFailure"
	case GuestAborted:
		return "GuestAborted"
	case GuestMemoryFault:
		return "GuestMemoryFault"
	case HypervisorInternalError:
		return "HypervisorInternalError"
	case SandboxPoisoned:
		return "SandboxPoisoned"
	default:
		return "Invalid"
	}
}

// GuestError is the typed error record surfaced to the guest as an
// ordinary return value rather than raised as a host exception.
type GuestError struct {
	Code    ErrorCode
	Message string

	// AbortCode is the opaque 32-bit value a guest passed to
	// AbortWithCode/AbortWithCodeAndMessage, recorded verbatim. Only
	// meaningful when Code == GuestAborted.
	AbortCode uint32 `cbor:",omitempty"`
}

func (e GuestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wire: %s", e.Code)
	}

	return fmt.Sprintf("wire: %s: %s", e.Code, e.Message)
}

// GuestFunctionDefinition describes a function the guest exposes to the
// host.
type GuestFunctionDefinition struct {
	Name           string
	ParameterTypes []ParameterType
	ReturnType     ReturnType
	HandlerAddress uint64
}

// HostFunctionDefinition is the host-side mirror: same shape, but the
// handler is an in-process callable rather than a guest address.
type HostFunctionDefinition struct {
	Name           string
	ParameterTypes []ParameterType
	ReturnType     ReturnType
	Handler        func(params []ParameterValue) (ReturnValue, error)
}

var encMode = func() cbor.EncMode {
	m, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return m
}()

// Marshal encodes v (a FunctionCall, ReturnValue, or GuestError) as CBOR.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}

	return b, nil
}

// Unmarshal decodes CBOR into v, wrapping cbor's own error with
// ErrInvalidEncoding so callers can match on a single sentinel.
func Unmarshal(data []byte, v interface{}) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	return nil
}
