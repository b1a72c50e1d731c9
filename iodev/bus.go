package iodev

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel is what a read of an unclaimed port returns.
const Sentinel = 0xffffffff

var (
	errBadSize  = errors.New("port access size must be 1, 2 or 4")
	errBadRange = errors.New("device port range outside the I/O space")
	errConflict = errors.New("port already claimed")
)

const (
	dirIn = iota
	dirOut
)

// Bus is the port table the exit dispatcher consults. Unclaimed ports
// ignore writes and read as Sentinel.
type Bus struct {
	handlers map[uint16][2]Device
}

func NewBus() *Bus {
	return &Bus{handlers: map[uint16][2]Device{}}
}

func (b *Bus) claim(d Device, dirs ...int) error {
	start, end := d.IOPort(), d.IOPort()+d.Size()
	if end > 0x10000 || start >= end {
		return fmt.Errorf("%w: %#x-%#x", errBadRange, start, end)
	}

	for port := start; port < end; port++ {
		h := b.handlers[uint16(port)]

		for _, dir := range dirs {
			if h[dir] != nil {
				return fmt.Errorf("%w: %#x", errConflict, port)
			}
		}
	}

	for port := start; port < end; port++ {
		h := b.handlers[uint16(port)]
		for _, dir := range dirs {
			h[dir] = d
		}

		b.handlers[uint16(port)] = h
	}

	return nil
}

// Register claims the device's ports for both directions.
func (b *Bus) Register(d Device) error {
	return b.claim(d, dirIn, dirOut)
}

// RegisterOut claims the device's ports for writes only; reads stay
// unclaimed.
func (b *Bus) RegisterOut(d Device) error {
	return b.claim(d, dirOut)
}

func checkSize(size uint8) error {
	switch size {
	case 1, 2, 4:
		return nil
	}

	return fmt.Errorf("%w: %d", errBadSize, size)
}

// In reads size bytes from port.
func (b *Bus) In(port uint16, size uint8) (uint32, error) {
	if err := checkSize(size); err != nil {
		return Sentinel, err
	}

	d := b.handlers[port][dirIn]
	if d == nil {
		return Sentinel, nil
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], Sentinel)

	if err := d.Read(uint64(port), buf[:size]); err != nil {
		return Sentinel, fmt.Errorf("in %#x: %w", port, err)
	}

	v := binary.LittleEndian.Uint32(buf[:])
	if size < 4 {
		v &= 1<<(8*uint(size)) - 1
	}

	return v, nil
}

// Out writes the low size bytes of v to port.
func (b *Bus) Out(port uint16, size uint8, v uint32) error {
	if err := checkSize(size); err != nil {
		return err
	}

	d := b.handlers[port][dirOut]
	if d == nil {
		return nil
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	if err := d.Write(uint64(port), buf[:size]); err != nil {
		return fmt.Errorf("out %#x: %w", port, err)
	}

	return nil
}
