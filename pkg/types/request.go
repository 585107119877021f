package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/Wa4h1h/tftpd/pkg/utils"
)

// Option is one negotiation key/value pair as it appeared on the wire.
// Pairs keep their request order so the OACK echo can preserve it.
type Option struct {
	Name  string
	Value string
}

type Request struct {
	Filename string
	Mode     string
	Options  []Option
	Opcode   OpCode
}

func (r *Request) MarshalBinary() ([]byte, error) {
	if !IsNetascii(r.Filename) {
		return nil, utils.ErrNotNetascii
	}

	b := new(bytes.Buffer)
	rqLen := 2 + len(r.Filename) + 1 + len(r.Mode) + 1

	b.Grow(rqLen)

	if err := binary.Write(b, binary.BigEndian, &r.Opcode); err != nil {
		return nil, fmt.Errorf("error while writing opcode: %w", err)
	}

	if _, err := b.WriteString(r.Filename); err != nil {
		return nil, fmt.Errorf("error while writing filename: %w", err)
	}

	if err := b.WriteByte(0); err != nil {
		return nil, fmt.Errorf("error while writing null byte after filename: %w", err)
	}

	if _, err := b.WriteString(r.Mode); err != nil {
		return nil, fmt.Errorf("error while writing mode: %w", err)
	}

	if err := b.WriteByte(0); err != nil {
		return nil, fmt.Errorf("error while writing null byte after mode: %w", err)
	}

	for _, opt := range r.Options {
		if err := writeOption(b, opt); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func (r *Request) UnmarshalBinary(data []byte) error {
	var err error

	if len(data) < 4 || data[len(data)-1] != 0 {
		return utils.ErrMalformedPacket
	}

	rd := bytes.NewBuffer(data)

	err = binary.Read(rd, binary.BigEndian, &r.Opcode)
	if err != nil {
		return fmt.Errorf("error while decoding opcode: %w", err)
	}

	if r.Opcode != OpCodeRRQ && r.Opcode != OpCodeWRQ {
		return utils.ErrWrongOpCode
	}

	r.Filename, err = rd.ReadString(0)
	if err != nil {
		return fmt.Errorf("error while decoding filename: %w", err)
	}

	r.Filename = strings.TrimRight(r.Filename, string(byte(0)))

	if len(r.Filename) == 0 || !IsNetascii(r.Filename) {
		return utils.ErrNotNetascii
	}

	r.Mode, err = rd.ReadString(0)
	if err != nil {
		return fmt.Errorf("error while decoding mode: %w", err)
	}

	r.Mode = strings.ToLower(strings.TrimRight(r.Mode, string(byte(0))))

	switch r.Mode {
	case ModeOctet, ModeNetascii, ModeMail:
	default:
		return utils.ErrUnknownMode
	}

	r.Options, err = readOptions(rd)

	return err
}

// OptionMap flattens the option pairs into a lookup map, last write wins.
// The second return value lists names that appeared more than once.
func (r *Request) OptionMap() (map[string]string, []string) {
	return optionMap(r.Options)
}

func writeOption(b *bytes.Buffer, opt Option) error {
	if !IsNetascii(opt.Name) || !IsNetascii(opt.Value) {
		return utils.ErrNotNetascii
	}

	if _, err := b.WriteString(opt.Name); err != nil {
		return fmt.Errorf("error while writing option name: %w", err)
	}

	if err := b.WriteByte(0); err != nil {
		return fmt.Errorf("error while writing null byte after option name: %w", err)
	}

	if _, err := b.WriteString(opt.Value); err != nil {
		return fmt.Errorf("error while writing option value: %w", err)
	}

	if err := b.WriteByte(0); err != nil {
		return fmt.Errorf("error while writing null byte after option value: %w", err)
	}

	return nil
}

// readOptions consumes the remaining NUL-terminated fields as name/value
// pairs, lowercased. An odd field count is a framing error.
func readOptions(rd *bytes.Buffer) ([]Option, error) {
	var opts []Option

	for rd.Len() > 0 {
		name, err := rd.ReadString(0)
		if err != nil {
			return nil, fmt.Errorf("error while decoding option name: %w", err)
		}

		value, err := rd.ReadString(0)
		if err != nil {
			return nil, utils.ErrOddOptionFields
		}

		opts = append(opts, Option{
			Name:  strings.ToLower(strings.TrimRight(name, string(byte(0)))),
			Value: strings.ToLower(strings.TrimRight(value, string(byte(0)))),
		})
	}

	return opts, nil
}

func optionMap(opts []Option) (map[string]string, []string) {
	m := make(map[string]string, len(opts))

	var dups []string

	for _, opt := range opts {
		if _, ok := m[opt.Name]; ok {
			dups = append(dups, opt.Name)
		}

		m[opt.Name] = opt.Value
	}

	return m, dups
}
