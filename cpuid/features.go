package cpuid

import "fmt"

// The list of CPU features can be found in arch/x86/kvm/cpuid.c [1]
// in Linux. Also in ths same file, the relationship between CPU features and
// CPUID functions [2] are defined. The offset in the register is defined in
// arch/x86/include/asm/cpufeatures.h [3].
//
// [1] https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L341-L414
// [2] https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L427-L513
// [3] https://github.com/torvalds/linux/blob/v4.20/arch/x86/include/asm/cpufeatures.h#L29

// The unifed interface which contains all CPU features.
type Feature interface {
	F1Ecx | F1Edx

	fmt.Stringer
}

type (
	F1Ecx uint32
	F1Edx uint32
)

const (
	FPU       F1Edx = 0  /* Onboard FPU */
	VME       F1Edx = 1  /* Virtual Mode Extensions */
	DE        F1Edx = 2  /* Debugging Extensions */
	PSE       F1Edx = 3  /* Page Size Extensions */
	TSC       F1Edx = 4  /* Time Stamp Counter */
	MSR       F1Edx = 5  /* Model-Specific Registers */
	PAE       F1Edx = 6  /* Physical Address Extensions */
	MCE       F1Edx = 7  /* Machine Check Exception */
	CX8       F1Edx = 8  /* CMPXCHG8 instruction */
	APIC      F1Edx = 9  /* Onboard APIC */
	SEP       F1Edx = 11 /* SYSENTER/SYSEXIT */
	MTRR      F1Edx = 12 /* Memory Type Range Registers */
	PGE       F1Edx = 13 /* Page Global Enable */
	MCA       F1Edx = 14 /* Machine Check Architecture */
	CMOV      F1Edx = 15 /* CMOV instructions (plus FCMOVcc, FCOMI with FPU) */
	PAT       F1Edx = 16 /* Page Attribute Table */
	PSE36     F1Edx = 17 /* 36-bit PSEs */
	PN        F1Edx = 18 /* Processor serial number */
	CLFLUSH   F1Edx = 19 /* CLFLUSH instruction */
	DS        F1Edx = 21 /* "dts" Debug Store */
	ACPI      F1Edx = 22 /* ACPI via MSR */
	MMX       F1Edx = 23 /* Multimedia Extensions */
	FXSR      F1Edx = 24 /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	XMM       F1Edx = 25 /* "sse" */
	XMM2      F1Edx = 26 /* "sse2" */
	SELFSNOOP F1Edx = 27 /* "ss" CPU self snoop */
	HT        F1Edx = 28 /* Hyper-Threading */
	ACC       F1Edx = 29 /* "tm" Automatic clock control */
	IA64      F1Edx = 30 /* IA-64 processor */
	PBE       F1Edx = 31 /* Pending Break Enable */
)

//nolint:stylecheck
const (
	SSE3         F1Ecx = 0  /* Streaming SIMD Extensions 3 */
	PCLMULQDQ    F1Ecx = 1  /* Carry-less multiplication */
	DTES64       F1Ecx = 2  /* 64-bit Debug Store */
	MONITOR      F1Ecx = 3  /* MONITOR/MWAIT */
	DS_CPL       F1Ecx = 4  /* CPL qualified Debug Store */
	VMX          F1Ecx = 5  /* Virtual Machine Extensions */
	SMX          F1Ecx = 6  /* Safer Mode Extensions */
	EST          F1Ecx = 7  /* Enhanced SpeedStep */
	TM2          F1Ecx = 8  /* Thermal Monitor 2 */
	SSSE3        F1Ecx = 9  /* Supplemental SSE3 */
	CID          F1Ecx = 10 /* Context ID */
	SDBG         F1Ecx = 11 /* Silicon Debug */
	FMA          F1Ecx = 12 /* Fused multiply-add */
	CX16         F1Ecx = 13 /* CMPXCHG16B */
	XTPR         F1Ecx = 14 /* Send Task Priority Messages */
	PDCM         F1Ecx = 15 /* Performance Capabilities */
	PCID         F1Ecx = 17 /* Process Context Identifiers */
	DCA          F1Ecx = 18 /* Direct Cache Access */
	SSE4_1       F1Ecx = 19 /* "sse4_1" SSE-4.1 */
	SSE4_2       F1Ecx = 20 /* "sse4_2" SSE-4.2 */
	X2APIC       F1Ecx = 21 /* X2APIC */
	MOVBE        F1Ecx = 22 /* MOVBE instruction */
	POPCNT       F1Ecx = 23 /* POPCNT instruction */
	TSC_DEADLINE F1Ecx = 24 /* TSC deadline timer */
	AES          F1Ecx = 25 /* AES instructions */
	XSAVE        F1Ecx = 26 /* XSAVE/XRSTOR/XSETBV/XGETBV */
	OSXSAVE      F1Ecx = 27 /* "" XSAVE enabled in the OS */
	AVX          F1Ecx = 28 /* Advanced Vector Extensions */
	F16C         F1Ecx = 29 /* 16-bit FP conversions */
	RDRAND       F1Ecx = 30 /* RDRAND instruction */
	HYPERVISOR   F1Ecx = 31 /* Running on a hypervisor */
)

//nolint:gochecknoglobals
var AllF1Edx = []F1Edx{
	FPU, VME, DE, PSE, TSC, MSR, PAE, MCE, CX8, APIC, SEP, MTRR, PGE, MCA,
	CMOV, PAT, PSE36, PN, CLFLUSH, DS, ACPI, MMX, FXSR, XMM, XMM2,
	SELFSNOOP, HT, ACC, IA64, PBE,
}

//nolint:gochecknoglobals
var AllF1Ecx = []F1Ecx{
	SSE3, PCLMULQDQ, DTES64, MONITOR, DS_CPL, VMX, SMX, EST, TM2, SSSE3,
	CID, SDBG, FMA, CX16, XTPR, PDCM, PCID, DCA, SSE4_1, SSE4_2, X2APIC,
	MOVBE, POPCNT, TSC_DEADLINE, AES, XSAVE, OSXSAVE, AVX, F16C, RDRAND,
	HYPERVISOR,
}
