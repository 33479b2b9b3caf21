// Package engine implements the breakpoint/shadow-page tracing engine:
// allocation of shadow guest frames, the call-site/return-site breakpoint
// state machine, and the per-VCPU view/single-step dance that backs it.
package engine

import "github.com/altp2m/guestrace/internal/osadapter"

// PageOffsetBits is the number of low bits of a PhysAddr that address a
// byte within a page; PageSize follows from it.
const (
	PageOffsetBits = 12
	PageSize       = 1 << PageOffsetBits
	offsetMask     = PageSize - 1
)

// FrameNumber is an unsigned page-frame index in the guest's physical
// address space.
type FrameNumber uint64

// Offset is a byte offset within a page, always in [0, PageSize).
type Offset uint32

// PhysAddr is a guest physical address, (frame << PageOffsetBits) | offset.
type PhysAddr uint64

// NoFrame is the sentinel FrameNumber meaning "unmapped" when installed in
// an alt-p2m view via ChangeGFN.
const NoFrame FrameNumber = ^FrameNumber(0)

// SplitPhysAddr decomposes a physical address into its frame and offset.
func SplitPhysAddr(pa PhysAddr) (FrameNumber, Offset) {
	return FrameNumber(uint64(pa) >> PageOffsetBits), Offset(uint64(pa) & offsetMask)
}

// MakePhysAddr reassembles a physical address from a frame and offset.
func MakePhysAddr(frame FrameNumber, off Offset) PhysAddr {
	return PhysAddr(uint64(frame)<<PageOffsetBits | uint64(off)&offsetMask)
}

// MakePhysAddrFrame returns the physical address of the first byte of
// frame, as a raw uint64 ready for a vmi.Session call.
func MakePhysAddrFrame(frame FrameNumber) uint64 {
	return uint64(MakePhysAddr(frame, 0))
}

// ThreadID is the guest stack pointer observed at a call-site breakpoint.
// Distinct kernel threads have distinct kernel stacks, so this value acts
// as a unique per-thread key for the lifetime of a traced call. It is an
// alias of osadapter.ThreadID so callbacks registered through either
// package's types interoperate without conversion.
type ThreadID = osadapter.ThreadID

// CallCallback is invoked on a call-site hit; alias of
// osadapter.CallCallback.
type CallCallback = osadapter.CallCallback

// ReturnCallback is invoked on the matching return-site hit; alias of
// osadapter.ReturnCallback.
type ReturnCallback = osadapter.ReturnCallback

// Regs is the live register image delivered to call/return callbacks;
// alias of osadapter.Regs.
type Regs = osadapter.Regs

// BreakOpcode is the one-byte interrupt instruction (INT3 on x86-64) used
// both for emplaced call-site breakpoints and the pre-existing trampoline
// byte reused as the return site.
const BreakOpcode = 0xCC
