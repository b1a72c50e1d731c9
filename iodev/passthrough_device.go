package iodev

import (
	"encoding/binary"

	"github.com/bobuhiro11/govmx/vmx"
)

// VGA DAC palette ports.
const (
	PaletteWriteIndex = 0x3c8
	PaletteData       = 0x3c9
)

// PassthroughDevice forwards accesses to the same host ports.
type PassthroughDevice struct {
	Port  uint64
	Psize uint64
	Host  vmx.PortIO
}

func (p *PassthroughDevice) Read(port uint64, data []byte) error {
	if len(data) > 4 {
		return errDataLenInvalid
	}

	var buf [4]byte

	binary.LittleEndian.PutUint32(buf[:], p.Host.InPort(uint16(port), uint8(len(data))))
	copy(data, buf[:])

	return nil
}

func (p *PassthroughDevice) Write(port uint64, data []byte) error {
	if len(data) > 4 {
		return errDataLenInvalid
	}

	var buf [4]byte

	copy(buf[:], data)
	p.Host.OutPort(uint16(port), uint8(len(data)), binary.LittleEndian.Uint32(buf[:]))

	return nil
}

func (p *PassthroughDevice) IOPort() uint64 {
	return p.Port
}

func (p *PassthroughDevice) Size() uint64 {
	return p.Psize
}
