package engine

// allocateShadowFrame implements §4.1: grow the domain's maximum
// reservation by one page, request exactly one new frame, and populate
// it. On any sub-step failure it unwinds curr_mem_size back to reality
// before returning.
func (e *EngineState) allocateShadowFrame() (FrameNumber, error) {
	newMax := e.currMemSize + PageSize
	if err := e.hv.SetMaxMem(e.dom, newMax); err != nil {
		return 0, wrapErr(AllocationError, err, "setmaxmem to %d", newMax)
	}

	frames, err := e.hv.IncreaseReservationExact(e.dom, 1)
	if err != nil {
		// Unwind: restore the max-mem ceiling we just raised.
		_ = e.hv.SetMaxMem(e.dom, e.currMemSize)
		return 0, wrapErr(AllocationError, err, "increase reservation by 1 frame")
	}

	if err := e.hv.PopulatePhysmapExact(e.dom, frames); err != nil {
		_ = e.hv.DecreaseReservationExact(e.dom, frames)
		_ = e.hv.SetMaxMem(e.dom, e.currMemSize)
		return 0, wrapErr(AllocationError, err, "populate physmap for frame %d", frames[0])
	}

	e.currMemSize = newMax
	return FrameNumber(frames[0]), nil
}

// freeShadowFrame is the inverse of allocateShadowFrame: it decreases the
// reservation by one frame and shrinks curr_mem_size back down.
func (e *EngineState) freeShadowFrame(f FrameNumber) error {
	if err := e.hv.DecreaseReservationExact(e.dom, []uint64{uint64(f)}); err != nil {
		return wrapErr(TeardownWarning, err, "decrease reservation for frame %d", f)
	}
	e.currMemSize -= PageSize
	if err := e.hv.SetMaxMem(e.dom, e.currMemSize); err != nil {
		return wrapErr(TeardownWarning, err, "restore maxmem to %d", e.currMemSize)
	}
	return nil
}
