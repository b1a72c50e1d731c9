package cpuid

// Result is the register tuple a CPUID leaf returns.
type Result struct {
	EAX, EBX, ECX, EDX uint32
}

// The fixed identity presented to the guest.
const (
	GuestMaxLeaf   = 1
	GuestSignature = 0x0001067A // family 6, model 0x17, stepping 0xA
)

//nolint:gochecknoglobals
var guestLeaves = map[uint32]Result{
	0: {
		EAX: GuestMaxLeaf,
		EBX: 0x756E6547, // "Genu"
		ECX: 0x6C65746E, // "ntel"
		EDX: 0x49656E69, // "ineI"
	},
	1: {
		EAX: GuestSignature,
		EDX: 1 << uint(FPU),
	},
}

// Emulate returns the guest's view of a CPUID leaf. Leaves other than 0 and 1
// read as all zeros.
func Emulate(leaf uint32) Result {
	return guestLeaves[leaf]
}
