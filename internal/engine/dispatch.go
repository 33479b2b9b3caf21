package engine

import "github.com/altp2m/guestrace/internal/vmi"

// onInterrupt is the Event Dispatcher's interrupt handler (§4.5). It
// always sets Reinject=false once it has decided the event is ours,
// except for the UnexpectedHit case, where Reinject=true tells the
// hypervisor the interrupt was genuinely the guest's own.
func (e *EngineState) onInterrupt(ev vmi.InterruptEvent) vmi.Response {
	if ev.GLA == e.trampolineAddr {
		return e.onReturnSite(ev)
	}
	return e.onCallSite(ev)
}

// onCallSite implements §4.5.A.
func (e *EngineState) onCallSite(ev vmi.InterruptEvent) vmi.Response {
	pa, err := e.vmi.TranslateKV2P(ev.GLA)
	if err != nil || pa == 0 {
		return vmi.Response{Reinject: true}
	}
	original, offset := SplitPhysAddr(PhysAddr(pa))

	shadow, ok := e.shadow.Shadow(original)
	if !ok {
		return vmi.Response{Reinject: true}
	}
	pr, ok := e.pages[shadow]
	if !ok {
		return vmi.Response{Reinject: true}
	}
	bp, ok := pr.Children[offset]
	if !ok {
		// Kind UnexpectedHit: genuinely the guest's interrupt.
		return vmi.Response{Reinject: true}
	}

	thread := ThreadID(ev.Regs.RSP)
	retSlotPA, err := e.vmi.TranslateKV2P(uint64(thread))
	if err != nil || retSlotPA == 0 {
		// Fail quietly: translation of the stack slot failed.
		return vmi.Response{}
	}

	storedRet, err := e.vmi.Read64PA(retSlotPA)
	if err != nil {
		return vmi.Response{}
	}
	if storedRet != e.returnAddr {
		// Kind UnexpectedReturnAddress: re-entrancy through an unexpected
		// caller. Recovery, not failure: skip hijacking, record nothing.
		return vmi.Response{}
	}

	pid, _ := e.vmi.DTBToPID(ev.Regs.CR3)
	if cached, ok := e.cr3PID[ev.Regs.CR3]; ok {
		pid = cached
	} else if pid != 0 {
		e.cr3PID[ev.Regs.CR3] = pid
	}

	regs := Regs{
		RDI: ev.Regs.RDI, RSI: ev.Regs.RSI, RDX: ev.Regs.RDX,
		R10: ev.Regs.R10, R8: ev.Regs.R8, R9: ev.Regs.R9,
	}
	userState := bp.CallCallback(pid, thread, regs, bp.UserData)

	call := &CallInFlight{
		Thread:      thread,
		Breakpoint:  bp,
		UserState:   userState,
		retSlotAddr: retSlotPA,
	}
	e.calls.put(call)

	if err := e.vmi.Write64PA(retSlotPA, e.trampolineAddr); err != nil {
		e.calls.remove(thread)
		return vmi.Response{}
	}

	return vmi.Response{SwitchToView: true, ViewID: 0, ToggleSingleStep: true}
}

// onReturnSite implements §4.5.B.
func (e *EngineState) onReturnSite(ev vmi.InterruptEvent) vmi.Response {
	thread := ThreadID(ev.Regs.RSP - uint64(e.ptrWidth))

	call, ok := e.calls.get(thread)
	if !ok {
		// Unrelated or stale trampoline hit (§4.5.B.2): the trampoline byte
		// is pre-existing kernel code the guest never reaches on its own, so
		// unlike an unmatched call-site hit this is not reinjected; just
		// leave the VCPU where it is.
		return vmi.Response{}
	}

	pid, _ := e.vmi.DTBToPID(ev.Regs.CR3)
	regs := Regs{RAX: ev.Regs.RAX}
	call.Breakpoint.ReturnCallback(pid, thread, regs, call.UserState)

	if err := e.vmi.SetVCPUReg(ev.VCPU, vmi.RegRIP, e.returnAddr); err != nil {
		e.log.Printf("failed to restore RIP for thread %#x: %v", thread, err)
	}

	e.calls.remove(thread)

	// §4.5.B sets RIP and evicts the record; unlike the call-site branch
	// it does not toggle the VCPU's view or single-step (the trampoline
	// byte is reached in whichever view was already active).
	return vmi.Response{}
}

// onMemAccess implements §4.5's memory-access event: detour the offending
// VCPU to the original view for one step, with no callback invocation.
func (e *EngineState) onMemAccess(ev vmi.MemAccessEvent) vmi.Response {
	return vmi.Response{SwitchToView: true, ViewID: 0, ToggleSingleStep: true}
}

// onSingleStep implements §4.5's single-step completion: switch the VCPU
// back to the shadow view and disable single-step, and invalidate the
// CR3->PID cache (see SPEC_FULL's supplemented-features section).
func (e *EngineState) onSingleStep(ev vmi.SingleStepEvent) vmi.Response {
	e.cr3PID = make(map[uint64]uint32)
	return vmi.Response{SwitchToView: true, ViewID: uint16(e.view), ToggleSingleStep: true}
}
