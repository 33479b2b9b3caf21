// Package osadapter defines the per-guest-OS adapter interface (§6): one
// entry point to locate the syscall-entry return site with a disassembler,
// and one to enumerate a guest OS's traceable syscall symbols as a
// (name, call callback, return callback, user datum) table. Concrete
// adapters are an out-of-scope collaborator per §1; this package specifies
// the interface plus one representative Linux x86-64 implementation so the
// engine is exercisable end-to-end.
package osadapter

// ThreadID mirrors engine.ThreadID without importing the engine package
// (which imports osadapter for the Adapter interface); both are the guest
// stack pointer observed at a call-site breakpoint.
type ThreadID uint64

// Regs is the subset of the interrupt event's x86-64 register image a
// call or return callback needs: the System V AMD64 syscall argument
// registers, in order (RDI, RSI, RDX, R10, R8, R9), plus RAX, which by
// the time the return-site trampoline fires already holds the syscall's
// return value.
type Regs struct {
	RDI, RSI, RDX, R10, R8, R9 uint64
	RAX                        uint64
}

// CallCallback is invoked on a call-site hit with the live register
// image so it can read syscall arguments; see engine.CallCallback.
type CallCallback func(pid uint32, thread ThreadID, regs Regs, userData any) any

// ReturnCallback is invoked on the matching return-site hit with the live
// register image (RAX carries the return value); see
// engine.ReturnCallback.
type ReturnCallback func(pid uint32, thread ThreadID, regs Regs, userState any)

// SymbolCallback bundles a symbol name with the callback pair and user
// datum the Registration API's batch form attaches it with (§4.6).
type SymbolCallback struct {
	Name           string
	CallCallback   CallCallback
	ReturnCallback ReturnCallback
	UserData       any
}

// Engine is the narrow slice of EngineState an Adapter needs: enough to
// resolve the syscall-entry virtual address and disassemble its first
// page, without exposing breakpoint/shadow-table internals.
type Engine interface {
	SyscallEntryVA() (uint64, error)
	ReadKernelPage(kva uint64) ([]byte, error)
	TranslateKSym2V(symbol string) (uint64, error)
}

// Adapter is the external per-OS adapter interface (§6).
type Adapter interface {
	// FindReturnPointAddr uses a disassembler to locate the kernel
	// virtual address of the instruction immediately following the
	// dispatch call in the syscall-entry handler.
	FindReturnPointAddr(eng Engine) (uint64, error)

	// Syscalls returns this OS's traceable syscall callback table.
	Syscalls() []SymbolCallback

	// Name identifies the guest OS this adapter targets, for logging and
	// for matching against vmi.Session.OSType().
	Name() string
}
