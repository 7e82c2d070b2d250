package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// responseHeadSize is the minimum response payload: a 1-byte approved flag.
// Approved responses append an 8-byte little-endian handle.
const responseHeadSize = 1

// Encode serializes an envelope of the given type into a JSON frame ready
// for broadcast. The payload is base64-encoded; a nil payload produces an
// empty data field.
func Encode(envType, senderID string, payload []byte) ([]byte, error) {
	env := Envelope{
		Type:     envType,
		SenderID: senderID,
		Data:     base64.StdEncoding.EncodeToString(payload),
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", envType, err)
	}
	return frame, nil
}

// Decode parses a raw broadcast frame into its envelope and decoded payload.
func Decode(frame []byte) (*Envelope, []byte, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeData, TypeRequest, TypeResponse:
	default:
		return nil, nil, fmt.Errorf("unknown envelope type: %q", env.Type)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return &env, payload, nil
}

// EncodeResponse builds the binary payload of a connection response:
// one approved-flag byte, followed by the assigned handle (little-endian)
// when the request was approved. Rejections carry the flag byte only.
func EncodeResponse(resp Response) []byte {
	if !resp.Approved {
		return []byte{0}
	}
	buf := make([]byte, responseHeadSize+8)
	buf[0] = 1
	binary.LittleEndian.PutUint64(buf[responseHeadSize:], resp.Handle)
	return buf
}

// DecodeResponse parses a connection response payload.
func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) < responseHeadSize {
		return Response{}, fmt.Errorf("response payload too short: %d bytes", len(payload))
	}

	if payload[0] == 0 {
		return Response{Approved: false}, nil
	}

	if len(payload) < responseHeadSize+8 {
		return Response{}, fmt.Errorf("approved response missing handle: %d bytes", len(payload))
	}
	return Response{
		Approved: true,
		Handle:   binary.LittleEndian.Uint64(payload[responseHeadSize:]),
	}, nil
}
