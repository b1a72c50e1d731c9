// Package serial is a COM1 stub: enough of a 16550 for a guest to believe a
// transmitter is present.
package serial

import "io"

const (
	COM1Addr = 0x03f8
	COM1Size = 8
)

// Register offsets from the base port.
const (
	regData        = 0
	regLineStatus  = 5
	lineStatusIdle = 0x60 // THR and transmitter empty
)

type Serial struct {
	out io.Writer
}

// New returns the stub. Bytes the guest transmits go to out; a nil out
// discards them.
func New(out io.Writer) *Serial {
	return &Serial{out: out}
}

func (s *Serial) Read(port uint64, data []byte) error {
	var v byte

	switch port - COM1Addr {
	case regData:
		v = 0 // no input pending
	case regLineStatus:
		v = lineStatusIdle
	default:
		v = 0xff
	}

	for i := range data {
		data[i] = 0xff
	}

	if len(data) > 0 {
		data[0] = v
	}

	return nil
}

func (s *Serial) Write(port uint64, data []byte) error {
	if port-COM1Addr != regData || s.out == nil || len(data) == 0 {
		return nil
	}

	_, err := s.out.Write(data[:1])

	return err
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return COM1Size
}
