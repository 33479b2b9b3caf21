package engine

import "github.com/altp2m/guestrace/internal/vmi"

// ensurePageRecord implements §4.2: if a shadow mapping already exists for
// original, return its PageRecord; otherwise allocate a shadow frame, copy
// the original page's bytes over, install the alt-p2m mapping, arm a
// read/write watch on the original frame, and create an empty PageRecord.
//
// Concurrent creation for the same frame cannot happen: all events are
// serialized onto one event-loop goroutine (§5), so this function is never
// called reentrantly for the same original frame.
func (e *EngineState) ensurePageRecord(original FrameNumber) (*PageRecord, error) {
	if shadow, ok := e.shadow.Shadow(original); ok {
		pr, ok := e.pages[shadow]
		if !ok {
			return nil, newErr(AllocationError, "shadow table has frame %d but no page record", shadow)
		}
		return pr, nil
	}

	shadow, err := e.allocateShadowFrame()
	if err != nil {
		return nil, err
	}

	orig := make([]byte, PageSize)
	if err := e.vmi.ReadPA(MakePhysAddrFrame(original), orig); err != nil {
		_ = e.freeShadowFrame(shadow)
		return nil, wrapErr(AllocationError, err, "read original frame %d", original)
	}
	if err := e.vmi.WritePA(MakePhysAddrFrame(shadow), orig); err != nil {
		_ = e.freeShadowFrame(shadow)
		return nil, wrapErr(AllocationError, err, "copy page to shadow frame %d", shadow)
	}

	if err := e.hv.AltP2MChangeGFN(e.dom, e.view, uint64(original), uint64(shadow)); err != nil {
		_ = e.freeShadowFrame(shadow)
		return nil, wrapErr(AllocationError, err, "map frame %d -> shadow %d in view %d", original, shadow, e.view)
	}

	if err := e.vmi.RegisterMemEvent(uint64(original), vmi.MemAccessRW, uint16(e.view), e.onMemAccess); err != nil {
		_ = e.hv.AltP2MChangeGFN(e.dom, e.view, uint64(original), uint64(NoFrame))
		_ = e.freeShadowFrame(shadow)
		return nil, wrapErr(AllocationError, err, "arm rw watch on frame %d", original)
	}

	e.shadow.set(original, shadow)
	pr := &PageRecord{Frame: original, ShadowFrame: shadow, Children: make(map[Offset]*BreakpointRecord)}
	e.pages[shadow] = pr
	return pr, nil
}

// installBreakpoint implements §4.3: translate, ensure a PageRecord, and
// (idempotently) emplace the one-byte interrupt opcode at the shadow
// offset. It is fully transactional: on any hypervisor-side failure after
// the PageRecord exists, nothing is left half-installed (per the design
// notes' instruction to make install transactional, where the original's
// unwind was incomplete).
func (e *EngineState) installBreakpoint(kva uint64, callCB CallCallback, returnCB ReturnCallback, userData any) (*BreakpointRecord, error) {
	pa, err := e.vmi.TranslateKV2P(kva)
	if err != nil || pa == 0 {
		return nil, newErr(TranslationError, "translate kernel VA %#x", kva)
	}

	original, offset := SplitPhysAddr(PhysAddr(pa))

	pr, err := e.ensurePageRecord(original)
	if err != nil {
		return nil, err
	}

	if existing, ok := pr.Children[offset]; ok {
		return existing, nil
	}

	if err := e.vmi.Write8PA(uint64(MakePhysAddr(pr.ShadowFrame, offset)), BreakOpcode); err != nil {
		return nil, wrapErr(AllocationError, err, "emplace breakpoint at shadow frame %d offset %d", pr.ShadowFrame, offset)
	}

	bp := &BreakpointRecord{
		Offset:         offset,
		CallCallback:   callCB,
		ReturnCallback: returnCB,
		UserData:       userData,
		pageFrame:      pr.ShadowFrame,
	}
	pr.Children[offset] = bp
	return bp, nil
}

// removeBreakpoint implements §4.3's remove_breakpoint: restore the
// original byte over the emplaced interrupt opcode, then forget the
// record. Callers must hold the guest paused.
func (e *EngineState) removeBreakpoint(bp *BreakpointRecord) error {
	pr, ok := e.pages[bp.pageFrame]
	if !ok {
		return newErr(TeardownWarning, "no page record for shadow frame %d", bp.pageFrame)
	}
	original, err := e.vmi.Read8PA(uint64(MakePhysAddr(pr.Frame, bp.Offset)))
	if err != nil {
		return wrapErr(TeardownWarning, err, "read original byte at frame %d offset %d", pr.Frame, bp.Offset)
	}
	if err := e.vmi.Write8PA(uint64(MakePhysAddr(pr.ShadowFrame, bp.Offset)), original); err != nil {
		return wrapErr(TeardownWarning, err, "restore original byte at shadow frame %d offset %d", pr.ShadowFrame, bp.Offset)
	}
	delete(pr.Children, bp.Offset)
	return nil
}

// destroyPageRecordLocked implements the PageRecord destruction described
// in §3: stop monitoring the original frame, remap the shadow slot to
// "none" in the shadow view, decrease the reservation by one page, and
// free the children. Callers must hold the guest paused.
func (e *EngineState) destroyPageRecordLocked(pr *PageRecord) error {
	var lastErr error

	for _, bp := range pr.Children {
		if err := e.removeBreakpoint(bp); err != nil {
			lastErr = err
		}
	}

	if err := e.vmi.UnregisterMemEvent(uint64(pr.Frame)); err != nil {
		lastErr = wrapErr(TeardownWarning, err, "unregister mem event for frame %d", pr.Frame)
	}
	if err := e.hv.AltP2MChangeGFN(e.dom, e.view, uint64(pr.Frame), uint64(NoFrame)); err != nil {
		lastErr = wrapErr(TeardownWarning, err, "unmap frame %d from view %d", pr.Frame, e.view)
	}
	if err := e.freeShadowFrame(pr.ShadowFrame); err != nil {
		lastErr = err
	}

	e.shadow.remove(pr.Frame)
	delete(e.pages, pr.ShadowFrame)
	return lastErr
}
