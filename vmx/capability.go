package vmx

import "fmt"

// Capability describes whether VMX can be used on this processor.
type Capability struct {
	Supported bool

	// Revision tags every VMXON region and VMCS; bits 30:0 of IA32_VMX_BASIC.
	Revision uint32

	// Basic is the raw IA32_VMX_BASIC value.
	Basic uint64

	FeatureControl uint64

	// Reason is set when Supported is false.
	Reason string
}

// Detect checks CPUID.1:ECX.VMX. It has no side effects.
func Detect(cpu CPU) Capability {
	_, _, ecx, _ := cpu.CPUID(1, 0)
	if ecx&CPUIDFeatureVMX == 0 {
		return Capability{Reason: "VT-x not supported"}
	}

	return Capability{Supported: true}
}

// Query reads the VMX capability MSRs for a processor Detect reported as
// supported. A firmware lock with VMX disabled turns the result unsupported.
func Query(cpu CPU, c Capability) (Capability, error) {
	if !c.Supported {
		return c, ErrCapabilityAbsent
	}

	fc, err := cpu.ReadMSR(MSRFeatureControl)
	if err != nil {
		return c, fmt.Errorf("read IA32_FEATURE_CONTROL: %w", err)
	}

	c.FeatureControl = fc

	if fc&FeatureControlLocked != 0 && fc&FeatureControlVMXOutsideSMX == 0 {
		c.Supported = false
		c.Reason = "VT-x disabled by firmware"

		return c, ErrCapabilityAbsent
	}

	basic, err := cpu.ReadMSR(MSRVMXBasic)
	if err != nil {
		return c, fmt.Errorf("read IA32_VMX_BASIC: %w", err)
	}

	c.Basic = basic
	c.Revision = uint32(basic) & RevisionMask

	return c, nil
}

// Enable sets CR4.VMXE. Calling it again is harmless.
// An unlocked IA32_FEATURE_CONTROL is enabled and locked first, and the
// CR0/CR4 fixed bits required in VMX operation are applied.
func Enable(cpu CPU) error {
	fc, err := cpu.ReadMSR(MSRFeatureControl)
	if err != nil {
		return fmt.Errorf("read IA32_FEATURE_CONTROL: %w", err)
	}

	if fc&FeatureControlLocked == 0 {
		fc |= FeatureControlLocked | FeatureControlVMXOutsideSMX
		if err := cpu.WriteMSR(MSRFeatureControl, fc); err != nil {
			return fmt.Errorf("lock IA32_FEATURE_CONTROL: %w", err)
		}
	}

	cr0, err := fixBits(cpu.ReadCR0(), cpu, MSRVMXCR0Fixed0, MSRVMXCR0Fixed1)
	if err != nil {
		return err
	}

	if cr0 != cpu.ReadCR0() {
		cpu.WriteCR0(cr0)
	}

	cr4, err := fixBits(cpu.ReadCR4()|CR4VMXE, cpu, MSRVMXCR4Fixed0, MSRVMXCR4Fixed1)
	if err != nil {
		return err
	}

	if cr4 != cpu.ReadCR4() {
		cpu.WriteCR4(cr4)
	}

	return nil
}

func fixBits(v uint64, cpu CPU, fixed0, fixed1 uint32) (uint64, error) {
	f0, err := cpu.ReadMSR(fixed0)
	if err != nil {
		return 0, fmt.Errorf("read fixed0 msr %#x: %w", fixed0, err)
	}

	f1, err := cpu.ReadMSR(fixed1)
	if err != nil {
		return 0, fmt.Errorf("read fixed1 msr %#x: %w", fixed1, err)
	}

	return (v | f0) & f1, nil
}
