package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Wa4h1h/tftpd/pkg/utils"
)

type Oack struct {
	Options []Option
	Opcode  OpCode
}

func (o *Oack) MarshalBinary() ([]byte, error) {
	b := new(bytes.Buffer)
	oackLen := 2

	for _, opt := range o.Options {
		oackLen += len(opt.Name) + 1 + len(opt.Value) + 1
	}

	b.Grow(oackLen)

	if err := binary.Write(b, binary.BigEndian, &o.Opcode); err != nil {
		return nil, fmt.Errorf("error while writing opcode: %w", err)
	}

	for _, opt := range o.Options {
		if err := writeOption(b, opt); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

func (o *Oack) UnmarshalBinary(data []byte) error {
	if len(data) < 2 || (len(data) > 2 && data[len(data)-1] != 0) {
		return utils.ErrMalformedPacket
	}

	rd := bytes.NewBuffer(data)

	if err := binary.Read(rd, binary.BigEndian, &o.Opcode); err != nil {
		return fmt.Errorf("error while reading opcode: %w", err)
	}

	if o.Opcode != OpCodeOACK {
		return utils.ErrWrongOpCode
	}

	var err error

	o.Options, err = readOptions(rd)

	return err
}

func (o *Oack) OptionMap() (map[string]string, []string) {
	return optionMap(o.Options)
}
