// Package msr reads and writes model-specific registers through the Linux
// msr driver, one character device per logical processor.
package msr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
)

var errShort = errors.New("short msr access")

// DevRoot is where the msr driver creates its devices.
const DevRoot = "/dev/cpu"

// Path returns the msr device of a processor.
func Path(cpu int) string {
	return filepath.Join(DevRoot, strconv.Itoa(cpu), "msr")
}

// Device is an open msr device. The file offset selects the register.
type Device struct {
	f *os.File
}

// Open opens the msr device of a processor. It needs the msr module loaded
// and CAP_SYS_RAWIO.
func Open(cpu int) (*Device, error) {
	return OpenPath(Path(cpu))
}

// OpenPath opens an msr device, or any file laid out like one.
func OpenPath(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrPermission) {
		f, err = os.Open(path)
	}

	if err != nil {
		return nil, err
	}

	return &Device{f: f}, nil
}

// Read returns the register at index.
func (d *Device) Read(index uint32) (uint64, error) {
	var b [8]byte

	n, err := unix.Pread(int(d.f.Fd()), b[:], int64(index))
	if err != nil {
		return 0, fmt.Errorf("rdmsr %#x: %w", index, err)
	}

	if n != len(b) {
		return 0, fmt.Errorf("rdmsr %#x: %d bytes: %w", index, n, errShort)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// Write sets the register at index.
func (d *Device) Write(index uint32, v uint64) error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)

	n, err := unix.Pwrite(int(d.f.Fd()), b[:], int64(index))
	if err != nil {
		return fmt.Errorf("wrmsr %#x: %w", index, err)
	}

	if n != len(b) {
		return fmt.Errorf("wrmsr %#x: %d bytes: %w", index, n, errShort)
	}

	return nil
}

func (d *Device) Close() error {
	return d.f.Close()
}

// CPUs lists the processors that have an msr device under root.
func CPUs(root string) ([]int, error) {
	paths, err := filepath.Glob(filepath.Join(root, "*", "msr"))
	if err != nil {
		return nil, err
	}

	cpus := make([]int, 0, len(paths))

	for _, p := range paths {
		n, err := strconv.Atoi(filepath.Base(filepath.Dir(p)))
		if err != nil {
			continue
		}

		cpus = append(cpus, n)
	}

	sort.Ints(cpus)

	return cpus, nil
}
