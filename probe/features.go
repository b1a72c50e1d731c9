package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/govmx/cpuid"
)

// Features prints which CPUID leaf 1 features the host has.
func Features(w io.Writer, ecx, edx uint32) {
	fmt.Fprintf(w, "F_1_Ecx.\n")
	printFeatures(w, cpuid.AllF1Ecx, ecx)
	fmt.Fprintf(w, "F_1_Edx.\n")
	printFeatures(w, cpuid.AllF1Edx, edx)
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled := []T{}
	disabled := []T{}

	for i := 0; i < len(features); i++ {
		if reg&(1<<uint(features[i])) != 0 {
			enabled = append(enabled, features[i])
		} else {
			disabled = append(disabled, features[i])
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for i := 0; i < len(enabled); i++ {
		fmt.Fprintf(w, " %s", enabled[i].String())
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for i := 0; i < len(disabled); i++ {
		fmt.Fprintf(w, " %s", disabled[i].String())
	}

	fmt.Fprintf(w, "\n\n")
}
