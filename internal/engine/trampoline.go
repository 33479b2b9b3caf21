package engine

import "github.com/altp2m/guestrace/internal/vmi"

// locateTrampoline implements §4.4's first half: read the first PageSize
// bytes of the kernel syscall entry point (MSR_LSTAR) and scan byte by
// byte for the first occurrence of the interrupt opcode, publishing its
// virtual address. This runs exactly once, during Run.
//
// Reusing a pre-existing opcode byte rather than emplacing a new one
// avoids a second kernel code allocation and avoids creating a second
// class of "our" breakpoint bytes a vigilant guest kernel might checksum.
func (e *EngineState) locateTrampoline() (uint64, error) {
	entryVA, err := e.vmi.GetVCPUReg(0, vmi.RegMSRLSTAR)
	if err != nil {
		return 0, wrapErr(ConfigurationError, err, "read MSR_LSTAR")
	}

	pa, err := e.vmi.TranslateKV2P(entryVA)
	if err != nil || pa == 0 {
		return 0, newErr(ConfigurationError, "translate syscall entry VA %#x", entryVA)
	}

	page := make([]byte, PageSize)
	if err := e.vmi.ReadPA(pa, page); err != nil {
		return 0, wrapErr(ConfigurationError, err, "read syscall entry page")
	}

	for i, b := range page {
		if b == BreakOpcode {
			return entryVA + uint64(i), nil
		}
	}
	return 0, newErr(ConfigurationError, "no interrupt opcode found in syscall entry page")
}
