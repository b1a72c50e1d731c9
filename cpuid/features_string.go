package cpuid

import "strconv"

//nolint:gochecknoglobals
var _F1Ecx_names = map[F1Ecx]string{
	SSE3:         "SSE3",
	PCLMULQDQ:    "PCLMULQDQ",
	DTES64:       "DTES64",
	MONITOR:      "MONITOR",
	DS_CPL:       "DS_CPL",
	VMX:          "VMX",
	SMX:          "SMX",
	EST:          "EST",
	TM2:          "TM2",
	SSSE3:        "SSSE3",
	CID:          "CID",
	SDBG:         "SDBG",
	FMA:          "FMA",
	CX16:         "CX16",
	XTPR:         "XTPR",
	PDCM:         "PDCM",
	PCID:         "PCID",
	DCA:          "DCA",
	SSE4_1:       "SSE4_1",
	SSE4_2:       "SSE4_2",
	X2APIC:       "X2APIC",
	MOVBE:        "MOVBE",
	POPCNT:       "POPCNT",
	TSC_DEADLINE: "TSC_DEADLINE",
	AES:          "AES",
	XSAVE:        "XSAVE",
	OSXSAVE:      "OSXSAVE",
	AVX:          "AVX",
	F16C:         "F16C",
	RDRAND:       "RDRAND",
	HYPERVISOR:   "HYPERVISOR",
}

func (i F1Ecx) String() string {
	if s, ok := _F1Ecx_names[i]; ok {
		return s
	}

	return "F1Ecx(" + strconv.FormatInt(int64(i), 10) + ")"
}

//nolint:gochecknoglobals
var _F1Edx_names = map[F1Edx]string{
	FPU:       "FPU",
	VME:       "VME",
	DE:        "DE",
	PSE:       "PSE",
	TSC:       "TSC",
	MSR:       "MSR",
	PAE:       "PAE",
	MCE:       "MCE",
	CX8:       "CX8",
	APIC:      "APIC",
	SEP:       "SEP",
	MTRR:      "MTRR",
	PGE:       "PGE",
	MCA:       "MCA",
	CMOV:      "CMOV",
	PAT:       "PAT",
	PSE36:     "PSE36",
	PN:        "PN",
	CLFLUSH:   "CLFLUSH",
	DS:        "DS",
	ACPI:      "ACPI",
	MMX:       "MMX",
	FXSR:      "FXSR",
	XMM:       "XMM",
	XMM2:      "XMM2",
	SELFSNOOP: "SELFSNOOP",
	HT:        "HT",
	ACC:       "ACC",
	IA64:      "IA64",
	PBE:       "PBE",
}

func (i F1Edx) String() string {
	if s, ok := _F1Edx_names[i]; ok {
		return s
	}

	return "F1Edx(" + strconv.FormatInt(int64(i), 10) + ")"
}
