// Package iodev routes guest port accesses to emulated devices.
package iodev

import "errors"

var errDataLenInvalid = errors.New("invalid data size on port")

// Device is a port-mapped device. Read and Write get the accessed port and a
// little-endian buffer as wide as the access.
type Device interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}
