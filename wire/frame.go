package wire

import (
	"encoding/binary"
	"fmt"
)

// frameHeaderLen is the 4-byte little-endian length prefix required on
// every encoded frame.
const frameHeaderLen = 4

// EncodeFrame marshals v and prepends its little-endian length. The
// returned frame never exceeds capacity including the header.
func EncodeFrame(v interface{}, capacity uint64) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	if uint64(len(payload))+frameHeaderLen > capacity {
		return nil, fmt.Errorf("wire: encoded frame (%d bytes) exceeds region capacity %d", len(payload), capacity)
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(frame[:frameHeaderLen], uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)

	return frame, nil
}

// DecodeFrame reads a length-prefixed frame from region and decodes its
// payload into v. Readers reject frames whose prefix exceeds the region's
// own capacity.
func DecodeFrame(region []byte, v interface{}) error {
	if len(region) < frameHeaderLen {
		return fmt.Errorf("%w: region shorter than frame header", ErrInvalidEncoding)
	}

	length := binary.LittleEndian.Uint32(region[:frameHeaderLen])

	if uint64(length)+frameHeaderLen > uint64(len(region)) {
		return fmt.Errorf("%w: frame length %d exceeds region capacity %d", ErrInvalidEncoding, length, len(region)-frameHeaderLen)
	}

	payload := region[frameHeaderLen : frameHeaderLen+int(length)]

	return Unmarshal(payload, v)
}

// FramePayload returns the payload slice of a length-prefixed frame
// already sitting in region, without decoding it — used by callers that
// need to run a specialized decode (e.g. DecodeFunctionCall's
// discriminator validation) instead of a plain Unmarshal.
func FramePayload(region []byte) ([]byte, error) {
	if len(region) < frameHeaderLen {
		return nil, fmt.Errorf("%w: region shorter than frame header", ErrInvalidEncoding)
	}

	length := binary.LittleEndian.Uint32(region[:frameHeaderLen])

	if uint64(length)+frameHeaderLen > uint64(len(region)) {
		return nil, fmt.Errorf("%w: frame length %d exceeds region capacity %d", ErrInvalidEncoding, length, len(region)-frameHeaderLen)
	}

	return region[frameHeaderLen : frameHeaderLen+int(length)], nil
}

// WriteFrame is EncodeFrame followed by copying the result into region at
// offset 0. Used by the dispatcher to place a FunctionCall/ReturnValue
// into shared input/output.
func WriteFrame(region []byte, v interface{}) error {
	frame, err := EncodeFrame(v, uint64(len(region)))
	if err != nil {
		return err
	}

	copy(region, frame)

	return nil
}
