package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/Wa4h1h/tftpd/pkg/utils"
)

// DefaultMessages is the fixed RFC 1350 error message table.
var DefaultMessages = map[ErrCode]string{
	ErrNotDefined:        "Not defined",
	ErrFileNotFound:      "File not found",
	ErrAccessViolation:   "Access violation",
	ErrDiskFull:          "Disk full or allocation exceeded",
	ErrIllegalTftpOp:     "Illegal TFTP operation",
	ErrUnknownTransferId: "Unknown transfer ID",
	ErrFileAlreadyExists: "File already exists",
	ErrNoSuchUser:        "No such user",
}

type Error struct {
	ErrMsg    string
	ErrorCode ErrCode
	Opcode    OpCode
}

// NewError builds an error packet for a standard code, with the message
// taken from the fixed table.
func NewError(code ErrCode) *Error {
	return &Error{
		Opcode:    OpCodeError,
		ErrorCode: code,
		ErrMsg:    DefaultMessages[code],
	}
}

// NewErrorf builds a free-text error packet with code 0 (Not defined).
func NewErrorf(format string, args ...any) *Error {
	return &Error{
		Opcode:    OpCodeError,
		ErrorCode: ErrNotDefined,
		ErrMsg:    fmt.Sprintf(format, args...),
	}
}

// Error makes the packet usable as a Go error, so factories can hand a
// specific wire code back to the dispatcher.
func (e *Error) Error() string {
	return fmt.Sprintf("tftp error %d: %s", e.ErrorCode, e.ErrMsg)
}

func (e *Error) MarshalBinary() ([]byte, error) {
	b := new(bytes.Buffer)
	errLength := 2 + 2 + len(e.ErrMsg) + 1
	b.Grow(errLength)

	if err := binary.Write(b, binary.BigEndian, &e.Opcode); err != nil {
		return nil, fmt.Errorf("error while writing opcode: %w", err)
	}

	if err := binary.Write(b, binary.BigEndian, &e.ErrorCode); err != nil {
		return nil, fmt.Errorf("error while writing error code: %w", err)
	}

	if _, err := b.WriteString(e.ErrMsg); err != nil {
		return nil, fmt.Errorf("error while writing error message: %w", err)
	}

	if err := b.WriteByte(0); err != nil {
		return nil, fmt.Errorf("error while writing null byte")
	}

	return b.Bytes(), nil
}

func (e *Error) UnmarshalBinary(data []byte) error {
	if len(data) < 5 || data[len(data)-1] != 0 {
		return utils.ErrMalformedPacket
	}

	b := bytes.NewBuffer(data)
	var err error

	if err = binary.Read(b, binary.BigEndian, &e.Opcode); err != nil {
		return fmt.Errorf("error while reading opcode: %w", err)
	}

	if e.Opcode != OpCodeError {
		return utils.ErrWrongOpCode
	}

	if err = binary.Read(b, binary.BigEndian, &e.ErrorCode); err != nil {
		return fmt.Errorf("error while reading error code: %w", err)
	}

	e.ErrMsg, err = b.ReadString(0)
	if err != nil {
		return fmt.Errorf("error while reading error message: %w", err)
	}

	e.ErrMsg = strings.TrimRight(e.ErrMsg, string(byte(0)))

	return nil
}
