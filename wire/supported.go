package wire

import "fmt"

// Valid reports whether t is one of the discriminators this package
// knows. Decoders call this after Unmarshal since CBOR happily decodes
// an out-of-range uint8 into Type, so the range check has to be
// explicit.
func (t ParameterType) Valid() bool {
	return t <= ParamVecBytes
}

func (t ReturnType) Valid() bool {
	return t <= ReturnVecBytes
}

// DecodeFunctionCall decodes data into a FunctionCall and rejects it outright if any
// parameter (or the declared return type) carries an unrecognized
// discriminator.
func DecodeFunctionCall(data []byte) (FunctionCall, error) {
	var call FunctionCall
	if err := Unmarshal(data, &call); err != nil {
		return FunctionCall{}, err
	}

	if !call.ReturnType.Valid() {
		return FunctionCall{}, fmt.Errorf("%w: return type %d", ErrInvalidEncoding, call.ReturnType)
	}

	for i, p := range call.Parameters {
		if !p.Type.Valid() {
			return FunctionCall{}, fmt.Errorf("%w: parameter %d type %d", ErrInvalidEncoding, i, p.Type)
		}
	}

	return call, nil
}

// DecodeReturnValue decodes data into a ReturnValue, rejecting unknown
// discriminators the same way DecodeFunctionCall does.
func DecodeReturnValue(data []byte) (ReturnValue, error) {
	var rv ReturnValue
	if err := Unmarshal(data, &rv); err != nil {
		return ReturnValue{}, err
	}

	if !rv.Type.Valid() {
		return ReturnValue{}, fmt.Errorf("%w: return value type %d", ErrInvalidEncoding, rv.Type)
	}

	return rv, nil
}

// SupportedType is implemented by every Go type that can cross the
// host/guest boundary as a parameter or return value: string, i32, i64,
// bool, []byte plus the unsigned integer widths.
type SupportedType interface {
	string | int32 | int64 | uint32 | uint64 | bool | []byte
}

// ToParameterValue converts a Go value of a supported type into its wire
// ParameterValue.
func ToParameterValue[T SupportedType](v T) ParameterValue {
	switch val := any(v).(type) {
	case string:
		return String(val)
	case int32:
		return Int(val)
	case int64:
		return Long(val)
	case uint32:
		return UInt(val)
	case uint64:
		return ULong(val)
	case bool:
		return Bool(val)
	case []byte:
		return VecBytes(val)
	default:
		panic("wire: unreachable SupportedType case")
	}
}
