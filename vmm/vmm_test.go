package vmm_test

import (
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/govmx/vmm"
	"github.com/bobuhiro11/govmx/vmx"
)

func boot(t *testing.T, c vmm.Config) *vmm.VMM {
	t.Helper()

	c.Logger = log.New(io.Discard, "", 0)

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	if err := v.Setup(); err != nil {
		t.Fatal(err)
	}

	if err := v.Boot(); err != nil {
		t.Fatal(err)
	}

	return v
}

func TestBootDemo(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer

	v := boot(t, vmm.Config{MaxExits: 20, Console: &console})

	if got := console.String(); got != "hello\n" {
		t.Errorf("console = %q, want %q", got, "hello\n")
	}

	s := v.Stats()
	if s.Exits(vmx.ExitIOInstruction) != 6 || s.Exits(vmx.ExitHLT) != 14 || s.Total() != 20 {
		t.Errorf("exits: io %d hlt %d total %d", s.Exits(vmx.ExitIOInstruction), s.Exits(vmx.ExitHLT), s.Total())
	}
}

func TestBootImage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.bin")
	// cpuid; ud2
	if err := os.WriteFile(path, []byte{0x0f, 0xa2, 0x0f, 0x0b}, 0o600); err != nil {
		t.Fatal(err)
	}

	v := boot(t, vmm.Config{Image: path, Entry: 0x1000, Console: io.Discard})

	s := v.Stats()
	if s.Exits(vmx.ExitCPUID) != 1 || s.Exits(vmx.ExitExceptionOrNMI) != 1 {
		t.Errorf("exits: %v", s.Snapshot())
	}
}

func TestSetupMissingImage(t *testing.T) {
	t.Parallel()

	v := vmm.New(vmm.Config{
		Image:  filepath.Join(t.TempDir(), "missing"),
		Logger: log.New(io.Discard, "", 0),
	})

	if err := v.Init(); err != nil {
		t.Fatal(err)
	}

	if err := v.Setup(); !os.IsNotExist(err) {
		t.Errorf("Setup() = %v, want not exist", err)
	}
}

func TestBootBeforeInit(t *testing.T) {
	t.Parallel()

	if err := vmm.New(vmm.Config{}).Boot(); err == nil {
		t.Error("Boot() before Init succeeded")
	}
}
