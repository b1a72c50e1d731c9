package cpuid

import "encoding/binary"

// CPUID executes the CPUID instruction for leaf with ECX = 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// CPUIDIndexed executes the CPUID instruction with an explicit subleaf.
func CPUIDIndexed(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, subleaf)
}

// Vendor decodes the leaf 0 vendor signature, which is stored in EBX, EDX, ECX order.
func Vendor(ebx, ecx, edx uint32) string {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], ebx)
	binary.LittleEndian.PutUint32(b[4:], edx)
	binary.LittleEndian.PutUint32(b[8:], ecx)

	return string(b)
}

// HasVMX reports whether the leaf 1 ECX word advertises VMX.
func HasVMX(ecx uint32) bool {
	return ecx&(1<<uint(VMX)) != 0
}
