package codec

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// DecodeError distinguishes a malformed-JSON frame from one carrying an
// unrecognized "type" value. Both cases map to CodeInvalidMessage on the
// wire, but callers can tell them apart with errors.As.
type DecodeError struct {
	Code   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func newDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Code: CodeInvalidMessage, Reason: reason, Err: err}
}

// Encode marshals any control message to its wire JSON form.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode inspects the "type" field of data and unmarshals into the matching
// concrete struct, returned as the any value. An unknown or malformed
// message yields a *DecodeError.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, newDecodeError("malformed JSON", err)
	}

	var dst any
	switch env.Type {
	case TypeRegister:
		dst = &Register{}
	case TypeRegistered:
		dst = &Registered{}
	case TypeAuth:
		dst = &Auth{}
	case TypeAuthSuccess:
		dst = &AuthSuccess{}
	case TypeAuthFailed:
		dst = &AuthFailed{}
	case TypeSessionConnected:
		dst = &SessionConnected{}
	case TypeSessionDisconnected:
		dst = &SessionDisconnected{}
	case TypeTerminalResize:
		dst = &TerminalResize{}
	case TypePing:
		dst = &Ping{}
	case TypePong:
		dst = &Pong{}
	case TypeError:
		dst = &ErrorMsg{}
	default:
		return nil, newDecodeError(fmt.Sprintf("unknown type %q", env.Type), nil)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return nil, newDecodeError("malformed JSON", err)
	}
	return dst, nil
}

// MaxShellIDLen is the largest shell_id the binary frame format can carry
// (the length prefix is a single unsigned byte).
const MaxShellIDLen = 255

// EncodeBinary builds a binary data frame: a one-byte length, the shell_id
// bytes, then the raw payload.
func EncodeBinary(shellID string, payload []byte) ([]byte, error) {
	if len(shellID) > MaxShellIDLen {
		return nil, fmt.Errorf("codec: shell_id length %d exceeds %d", len(shellID), MaxShellIDLen)
	}
	frame := make([]byte, 0, 1+len(shellID)+len(payload))
	frame = append(frame, byte(len(shellID)))
	frame = append(frame, shellID...)
	frame = append(frame, payload...)
	return frame, nil
}

// DecodeBinary splits a binary data frame back into its shell_id and payload.
func DecodeBinary(frame []byte) (shellID string, payload []byte, err error) {
	if len(frame) < 1 {
		return "", nil, newDecodeError("binary frame too short", nil)
	}
	l := int(frame[0])
	if l > len(frame)-1 {
		return "", nil, newDecodeError("binary frame length prefix exceeds frame size", nil)
	}
	idBytes := frame[1 : 1+l]
	if !utf8.Valid(idBytes) {
		return "", nil, newDecodeError("shell_id is not valid UTF-8", nil)
	}
	return string(idBytes), frame[1+l:], nil
}
