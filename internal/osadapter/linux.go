package osadapter

import (
	"fmt"

	"github.com/altp2m/guestrace/internal/trace"
)

// ReadGuestString reads a NUL-terminated string at virtual address va
// within pid's address space, for rendering string syscall arguments
// (e.g. openat's path). It is bound to the running VMI session by the
// caller that constructs NewLinux (see vmi.Session.ReadStrVA); a nil
// ReadGuestString falls back to hex rendering.
type ReadGuestString func(va uint64, pid uint32) (string, bool)

// CallState is what a linux CallCallback returns and the matching
// ReturnCallback receives: the formatted call line (without its return
// value yet), and who made the call.
type CallState struct {
	Line string
	PID  uint32
}

// Sink receives one formatted "name(args) = ret" trace line per completed
// call/return pair.
type Sink func(pid uint32, line string)

// callFormatter pairs a trace.Signature with the Sink and ReadGuestString
// a linuxAdapter was constructed with, so the call/return pair becomes
// one printed line.
type callFormatter struct {
	sig  trace.Signature
	sink Sink
	read ReadGuestString
}

// argRegs orders a Regs image into the System V AMD64 argument slots
// trace.FormatCall expects.
func argRegs(r Regs) [6]uint64 {
	return [6]uint64{r.RDI, r.RSI, r.RDX, r.R10, r.R8, r.R9}
}

func (f callFormatter) call(pid uint32, thread ThreadID, regs Regs, _ any) any {
	var readStr trace.ReadString
	if f.read != nil {
		readStr = func(va uint64) (string, bool) { return f.read(va, pid) }
	}
	line := trace.FormatCall(f.sig, argRegs(regs), readStr)
	return CallState{Line: line, PID: pid}
}

func (f callFormatter) ret(pid uint32, thread ThreadID, regs Regs, userState any) {
	state, ok := userState.(CallState)
	if !ok || f.sink == nil {
		return
	}
	f.sink(pid, trace.FormatReturn(state.Line, regs.RAX))
}

// openFlags are the O_* bits relevant to openat(2)'s third argument.
// O_RDONLY (0) is the absence of O_WRONLY/O_RDWR and has no bit of its
// own, matching the real flag's definition.
var openFlags = []trace.FlagBit{
	{Mask: 0x1, Name: "O_WRONLY"},
	{Mask: 0x2, Name: "O_RDWR"},
	{Mask: 0x40, Name: "O_CREAT"},
	{Mask: 0x200, Name: "O_TRUNC"},
	{Mask: 0x400, Name: "O_APPEND"},
}

// linuxAdapter is a representative Linux x86-64 OS adapter: a small,
// illustrative syscall table (openat, read, write, close, execve,
// exit_group) rather than an exhaustive one, per SPEC_FULL.md.
type linuxAdapter struct {
	sink Sink
	read ReadGuestString
}

// NewLinux returns the representative Linux x86-64 Adapter. sink is
// called once per completed call/return pair with the formatted
// "name(args) = ret" trace line; read resolves ArgString arguments
// against the running VMI session. Pass sink as nil to discard output,
// and read as nil to fall back to hex rendering of string arguments
// (e.g. in tests that only care about FindReturnPointAddr/Syscalls
// wiring).
func NewLinux(sink Sink, read ReadGuestString) Adapter {
	return linuxAdapter{sink: sink, read: read}
}

func (linuxAdapter) Name() string { return "Linux" }

// FindReturnPointAddr scans the syscall-entry page for the first near
// CALL instruction (opcode 0xE8) and returns the virtual address of the
// byte following its 4-byte relative displacement. This is a minimal
// stand-in for the disassembler spec.md describes as an external
// collaborator: real adapters would use a proper x86-64 decoder (as the
// pack's delve-derived examples under other_examples/ do); this adapter
// only needs to find one call site in a small, known function, so a
// single-opcode scan is sufficient and keeps the adapter dependency-free.
func (linuxAdapter) FindReturnPointAddr(eng Engine) (uint64, error) {
	entryVA, err := eng.SyscallEntryVA()
	if err != nil {
		return 0, fmt.Errorf("resolve syscall entry: %w", err)
	}
	page, err := eng.ReadKernelPage(entryVA)
	if err != nil {
		return 0, fmt.Errorf("read syscall entry page: %w", err)
	}
	const callOpcode = 0xE8
	for i := 0; i+5 <= len(page); i++ {
		if page[i] == callOpcode {
			return entryVA + uint64(i) + 5, nil
		}
	}
	return 0, fmt.Errorf("no call instruction found in syscall entry page")
}

func (a linuxAdapter) Syscalls() []SymbolCallback {
	table := []struct {
		symbol string
		sig    trace.Signature
	}{
		{"__x64_sys_openat", trace.Signature{Name: "openat", Args: []trace.ArgSpec{
			{Kind: trace.ArgFD}, {Kind: trace.ArgString}, {Kind: trace.ArgFlags, Flags: openFlags},
		}}},
		{"__x64_sys_read", trace.Signature{Name: "read", Args: []trace.ArgSpec{
			{Kind: trace.ArgFD}, {Kind: trace.ArgHex}, {Kind: trace.ArgInt},
		}}},
		{"__x64_sys_write", trace.Signature{Name: "write", Args: []trace.ArgSpec{
			{Kind: trace.ArgFD}, {Kind: trace.ArgHex}, {Kind: trace.ArgInt},
		}}},
		{"__x64_sys_close", trace.Signature{Name: "close", Args: []trace.ArgSpec{
			{Kind: trace.ArgFD},
		}}},
		{"__x64_sys_execve", trace.Signature{Name: "execve", Args: []trace.ArgSpec{
			{Kind: trace.ArgString}, {Kind: trace.ArgHex}, {Kind: trace.ArgHex},
		}}},
		{"__x64_sys_exit_group", trace.Signature{Name: "exit_group", Args: []trace.ArgSpec{
			{Kind: trace.ArgInt},
		}}},
	}

	syms := make([]SymbolCallback, 0, len(table))
	for _, e := range table {
		f := callFormatter{sig: e.sig, sink: a.sink, read: a.read}
		syms = append(syms, SymbolCallback{
			Name:           e.symbol,
			CallCallback:   f.call,
			ReturnCallback: f.ret,
		})
	}
	return syms
}
