// Package trace renders a traced syscall's register image as a
// human-readable call line. It is the "format per-call arguments" half of
// the OS-adapter collaborator in spec.md §6, split out here because it has
// no hypervisor dependency of its own and is unit-testable in isolation
// (see SPEC_FULL.md's package-layout section).
package trace

import (
	"fmt"
	"strings"
)

// ArgKind describes how to render one register as a syscall argument.
type ArgKind int

const (
	ArgInt ArgKind = iota
	ArgHex
	ArgFD
	ArgString
	ArgFlags
)

// FlagBit names one bit of a flags-style argument (e.g. open(2)'s O_*).
type FlagBit struct {
	Mask uint64
	Name string
}

// Signature describes one syscall's argument list for formatting
// purposes: which ABI registers carry arguments (already in the System V
// AMD64 order: RDI, RSI, RDX, R10, R8, R9) and how to render each.
type Signature struct {
	Name  string
	Args  []ArgSpec
}

// ArgSpec describes a single formatted argument.
type ArgSpec struct {
	Kind  ArgKind
	Flags []FlagBit
}

// ReadString is called to fetch a NUL-terminated guest string at a
// virtual address, for ArgString arguments; nil disables string
// rendering (arguments fall back to hex).
type ReadString func(va uint64) (string, bool)

// FormatCall renders "name(arg1, arg2, ...)" from a signature and the
// argument registers, in System V AMD64 order.
func FormatCall(sig Signature, argRegs [6]uint64, readStr ReadString) string {
	parts := make([]string, 0, len(sig.Args))
	for i, spec := range sig.Args {
		if i >= len(argRegs) {
			break
		}
		parts = append(parts, formatArg(spec, argRegs[i], readStr))
	}
	return fmt.Sprintf("%s(%s)", sig.Name, strings.Join(parts, ", "))
}

// FormatReturn renders "name(...) = ret", interpreting ret as a signed
// 64-bit value so negative (errno-style) returns print correctly.
func FormatReturn(call string, ret uint64) string {
	return fmt.Sprintf("%s = %d", call, int64(ret))
}

func formatArg(spec ArgSpec, v uint64, readStr ReadString) string {
	switch spec.Kind {
	case ArgFD:
		return fmt.Sprintf("%d", int32(v))
	case ArgHex:
		return fmt.Sprintf("%#x", v)
	case ArgString:
		if readStr != nil {
			if s, ok := readStr(v); ok {
				return fmt.Sprintf("%q", s)
			}
		}
		return fmt.Sprintf("%#x", v)
	case ArgFlags:
		return formatFlags(v, spec.Flags)
	default:
		return fmt.Sprintf("%d", int64(v))
	}
}

func formatFlags(v uint64, bits []FlagBit) string {
	if len(bits) == 0 {
		return fmt.Sprintf("%#x", v)
	}
	var names []string
	rest := v
	for _, b := range bits {
		if v&b.Mask == b.Mask && b.Mask != 0 {
			names = append(names, b.Name)
			rest &^= b.Mask
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("%#x", v)
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("%#x", rest))
	}
	return strings.Join(names, "|")
}
