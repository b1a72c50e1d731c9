// Package probe reports whether the host can run the core: CPUID features
// and, per logical processor, the VMX capability MSRs.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/msr"
	"github.com/bobuhiro11/govmx/vmx"
	"golang.org/x/sync/errgroup"
)

var errNoCPUs = errors.New("no msr devices; is the msr module loaded?")

// Reader is an open msr device of one processor.
type Reader interface {
	Read(index uint32) (uint64, error)
	Close() error
}

// Opener opens the msr device of a processor.
type Opener func(cpu int) (Reader, error)

// Report is the VMX state of one processor.
type Report struct {
	CPU            int
	FeatureControl uint64
	Basic          uint64
	Err            error
}

// Revision is the VMCS revision identifier.
func (r Report) Revision() uint32 {
	return uint32(r.Basic) & vmx.RevisionMask
}

// Usable reports whether firmware lets the processor enter VMX operation.
func (r Report) Usable() bool {
	fc := r.FeatureControl

	return r.Err == nil && (fc&vmx.FeatureControlLocked == 0 || fc&vmx.FeatureControlVMXOutsideSMX != 0)
}

func (r Report) String() string {
	if r.Err != nil {
		return fmt.Sprintf("cpu %d: %v", r.CPU, r.Err)
	}

	state := "usable"
	switch {
	case !r.Usable():
		state = "disabled by firmware"
	case r.FeatureControl&vmx.FeatureControlLocked == 0:
		state = "usable, IA32_FEATURE_CONTROL unlocked"
	}

	return fmt.Sprintf("cpu %d: IA32_FEATURE_CONTROL %#x IA32_VMX_BASIC %#x revision %#x: %s",
		r.CPU, r.FeatureControl, r.Basic, r.Revision(), state)
}

// CPUs reads the capability MSRs of every processor concurrently. A
// processor whose device cannot be read gets Err set; the whole probe fails
// only if ctx is cancelled.
func CPUs(ctx context.Context, cpus []int, open Opener) ([]Report, error) {
	reports := make([]Report, len(cpus))
	g, ctx := errgroup.WithContext(ctx)

	for i, cpu := range cpus {
		i, cpu := i, cpu

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			reports[i] = read(cpu, open)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return reports, nil
}

func read(cpu int, open Opener) Report {
	r := Report{CPU: cpu}

	d, err := open(cpu)
	if err != nil {
		r.Err = err

		return r
	}
	defer d.Close()

	if r.FeatureControl, err = d.Read(vmx.MSRFeatureControl); err != nil {
		r.Err = err

		return r
	}

	if r.Basic, err = d.Read(vmx.MSRVMXBasic); err != nil {
		r.Err = err
	}

	return r
}

// CPUID is the host identification the report starts with.
type CPUID struct {
	Vendor   string
	ECX, EDX uint32
}

// Write prints a report.
func Write(w io.Writer, id CPUID, reports []Report) {
	fmt.Fprintf(w, "vendor %s, VMX %v\n", id.Vendor, cpuid.HasVMX(id.ECX))
	Features(w, id.ECX, id.EDX)

	for _, r := range reports {
		fmt.Fprintln(w, r)
	}
}

// Host probes the running machine.
func Host(ctx context.Context, w io.Writer) error {
	_, ebx, ecx, edx := cpuid.CPUID(0)
	id := CPUID{Vendor: cpuid.Vendor(ebx, ecx, edx)}
	_, _, id.ECX, id.EDX = cpuid.CPUID(1)

	if !cpuid.HasVMX(id.ECX) {
		Write(w, id, nil)

		return nil
	}

	cpus, err := msr.CPUs(msr.DevRoot)
	if err != nil {
		return err
	}

	if len(cpus) == 0 {
		Write(w, id, nil)

		return errNoCPUs
	}

	reports, err := CPUs(ctx, cpus, func(cpu int) (Reader, error) {
		return msr.Open(cpu)
	})
	if err != nil {
		return err
	}

	Write(w, id, reports)

	return nil
}
