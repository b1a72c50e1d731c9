//go:build !amd64

package cpuid

// Non-x86 hosts have no CPUID; every leaf reads as zero.
func cpuidLow(_, _ uint32) (eax, ebx, ecx, edx uint32) {
	return 0, 0, 0, 0
}
