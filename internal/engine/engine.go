package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/altp2m/guestrace/internal/hv"
	"github.com/altp2m/guestrace/internal/logx"
	"github.com/altp2m/guestrace/internal/osadapter"
	"github.com/altp2m/guestrace/internal/vmi"
)

// PollTimeout is how often wait_for_events returns so the loop can observe
// the termination flag (§4.7, §5).
const PollTimeout = 500 * time.Millisecond

// MaxVCPUs bounds how many per-VCPU single-step events are pre-registered
// at startup (§4.5's "bounded by an engine-chosen maximum VCPU count").
const MaxVCPUs = 64

// Config configures a new EngineState.
type Config struct {
	GuestName string
	Adapter   osadapter.Adapter
	Log       *logx.Logger
}

// EngineState is the singleton per-traced-guest state described in §3.
type EngineState struct {
	hv  hv.Controller
	vmi vmi.Session
	log *logx.Logger

	dom  hv.DomID
	view hv.ViewID

	shadow *ShadowTable
	// pages is keyed by shadow frame number, per §3.
	pages map[FrameNumber]*PageRecord
	calls *callTable

	// symbols tracks which BreakpointRecord a successfully attached symbol
	// name resolved to, so Detach and the console's "list"/"detach"
	// commands can look breakpoints up by name instead of kernel address.
	symbols map[string]*BreakpointRecord

	ptrWidth int
	osAdapter osadapter.Adapter

	returnAddr     uint64
	trampolineAddr uint64

	initMemSize uint64
	currMemSize uint64

	// cr3PID caches the most recent CR3->PID translations, invalidated on
	// every single-step completion (see SPEC_FULL's supplemented-features
	// section) to bound staleness without inventing a fourth event class.
	cr3PID map[uint64]uint32

	terminate atomic.Bool
}

// New implements §4.7's new(guest_name) on an already-open hypervisor
// control handle (ctl) and VMI session (sess): pause the guest, resolve the
// domain, snapshot init_mem_size, enable alt-p2m, create the (inactive)
// shadow view, and resume.
func New(cfg Config, ctl hv.Controller, sess vmi.Session) (*EngineState, error) {
	log := cfg.Log
	if log == nil {
		log = logx.New("guestrace")
	}

	if err := sess.Pause(); err != nil {
		return nil, wrapErr(ConfigurationError, err, "pause guest")
	}
	resumed := false
	defer func() {
		if !resumed {
			_ = sess.Resume()
		}
	}()

	dom, err := ctl.DomIDFromName(cfg.GuestName)
	if err != nil {
		return nil, wrapErr(ConfigurationError, err, "resolve domain %q", cfg.GuestName)
	}

	if cfg.Adapter == nil {
		return nil, newErr(ConfigurationError, "unknown guest OS: no adapter supplied")
	}

	initMem := sess.MemSizeBytes()

	if err := ctl.AltP2MSetDomainState(dom, true); err != nil {
		return nil, wrapErr(ConfigurationError, err, "enable alt-p2m")
	}

	view, err := ctl.AltP2MCreateView(dom)
	if err != nil {
		return nil, wrapErr(ConfigurationError, err, "create shadow view")
	}

	e := &EngineState{
		hv:          ctl,
		vmi:         sess,
		log:         log,
		dom:         dom,
		view:        view,
		shadow:      newShadowTable(),
		pages:       make(map[FrameNumber]*PageRecord),
		calls:       newCallTable(),
		symbols:     make(map[string]*BreakpointRecord),
		ptrWidth:    sess.AddressWidth(),
		osAdapter:   cfg.Adapter,
		initMemSize: initMem,
		currMemSize: initMem,
		cr3PID:      make(map[uint64]uint32),
	}

	if err := sess.Resume(); err != nil {
		return nil, wrapErr(ConfigurationError, err, "resume guest after init")
	}
	resumed = true

	log.Printf("engine initialized for domain %d (view %d, init_mem=%s)", dom, view, logx.Bytes(initMem))
	return e, nil
}

// Run implements §4.7's run(): activate the shadow view, register the
// interrupt and memory-access dispatch handlers, pre-create per-VCPU
// single-step handlers, resolve return_addr and trampoline_addr, and loop
// on wait_for_events until the termination flag is set.
func (e *EngineState) Run(ctx context.Context) error {
	if err := e.vmi.Pause(); err != nil {
		return wrapErr(ConfigurationError, err, "pause guest before run")
	}
	resumeErr := e.vmi.Resume

	if err := e.hv.AltP2MSwitchToView(e.dom, -1, e.view); err != nil {
		resumeErr()
		return wrapErr(ConfigurationError, err, "switch to shadow view")
	}

	if err := e.vmi.RegisterInterruptEvent(e.onInterrupt); err != nil {
		resumeErr()
		return wrapErr(ConfigurationError, err, "register interrupt event")
	}

	nv := e.vmi.NumVCPUs()
	if nv > MaxVCPUs {
		resumeErr()
		return newErr(ConfigurationError, "guest has %d vcpus, exceeds MaxVCPUs=%d", nv, MaxVCPUs)
	}
	for v := uint(0); v < nv; v++ {
		if err := e.vmi.RegisterSingleStepEvent(v, e.onSingleStep); err != nil {
			resumeErr()
			return wrapErr(ConfigurationError, err, "register single-step event for vcpu %d", v)
		}
	}

	retAddr, err := e.osAdapter.FindReturnPointAddr(adapterEngine{e})
	if err != nil {
		resumeErr()
		return wrapErr(ConfigurationError, err, "resolve return_addr")
	}
	e.returnAddr = retAddr

	trampoline, err := e.locateTrampoline()
	if err != nil {
		resumeErr()
		return wrapErr(ConfigurationError, err, "locate trampoline")
	}
	e.trampolineAddr = trampoline

	if err := e.vmi.Resume(); err != nil {
		return wrapErr(ConfigurationError, err, "resume guest for run")
	}

	e.log.Printf("event loop starting: return_addr=%#x trampoline_addr=%#x", e.returnAddr, e.trampolineAddr)

	for !e.terminate.Load() {
		pollCtx, cancel := context.WithTimeout(ctx, PollTimeout)
		err := e.vmi.EventsListen(pollCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && err != context.DeadlineExceeded {
			return fmt.Errorf("events_listen: %w", err)
		}
	}
	return nil
}

// RequestStop sets the termination flag observed by Run's loop. It is safe
// to call from a signal handler or the console, per the design notes'
// atomic-flag redesign of the original's process-wide interrupt flag.
func (e *EngineState) RequestStop() {
	e.terminate.Store(true)
}

// Quit implements §4.7's quit(): restore every hijacked return slot and
// drop the in-flight call table, then destroy every page record (each
// destruction also removes its shadow-table entry), switch the active view
// back to default, and set the termination flag. A failed step is logged
// and the rest still run; if any step failed, Quit returns a
// TeardownWarning once it is done.
func (e *EngineState) Quit() error {
	if err := e.vmi.Pause(); err != nil {
		return wrapErr(TeardownWarning, err, "pause guest before quit")
	}
	defer func() {
		if err := e.vmi.Resume(); err != nil {
			e.log.Printf("teardown warning: resume after quit: %v", err)
		}
	}()

	warned := false
	for _, c := range e.calls.all() {
		if err := e.vmi.Write64PA(c.retSlotAddr, e.returnAddr); err != nil {
			e.log.Printf("teardown warning: restore return slot for thread %#x: %v", c.Thread, err)
			warned = true
		}
		e.calls.remove(c.Thread)
	}

	for _, pr := range e.pages {
		if err := e.destroyPageRecordLocked(pr); err != nil {
			e.log.Printf("teardown warning: destroy page record for frame %d: %v", pr.Frame, err)
			warned = true
		}
	}

	if err := e.hv.AltP2MSwitchToView(e.dom, -1, 0); err != nil {
		e.log.Printf("teardown warning: switch to default view: %v", err)
		warned = true
	}

	e.RequestStop()
	if warned {
		return newErr(TeardownWarning, "one or more quit steps failed (see log)")
	}
	return nil
}

// Free implements §4.7's free(): must be called only after Quit. It
// destroys the shadow view, disables alt-p2m, restores init_mem_size, and
// closes the VMI handle. A failed step is logged and the rest still run;
// if any step failed, Free returns a TeardownWarning once it is done.
func (e *EngineState) Free() error {
	if err := e.vmi.Pause(); err != nil {
		return wrapErr(TeardownWarning, err, "pause guest before free")
	}

	warned := false
	if err := e.hv.AltP2MDestroyView(e.dom, e.view); err != nil {
		e.log.Printf("teardown warning: destroy shadow view: %v", err)
		warned = true
	}
	if err := e.hv.AltP2MSetDomainState(e.dom, false); err != nil {
		e.log.Printf("teardown warning: disable alt-p2m: %v", err)
		warned = true
	}
	if err := e.hv.SetMaxMem(e.dom, e.initMemSize); err != nil {
		e.log.Printf("teardown warning: restore init_mem_size=%s: %v", logx.Bytes(e.initMemSize), err)
		warned = true
	}

	if err := e.vmi.Resume(); err != nil {
		e.log.Printf("teardown warning: resume before destroy: %v", err)
		warned = true
	}
	if err := e.vmi.Destroy(); err != nil {
		return wrapErr(TeardownWarning, err, "destroy vmi handle")
	}
	if warned {
		return newErr(TeardownWarning, "one or more free steps failed (see log)")
	}
	return nil
}

// CurrMemSize reports the live reservation accounting invariant from §3:
// init_mem_size + PAGE_SIZE * len(pages).
func (e *EngineState) CurrMemSize() uint64 { return e.currMemSize }

// LivePageRecords reports how many PageRecords are currently instrumented.
func (e *EngineState) LivePageRecords() int { return len(e.pages) }

// LiveCallsInFlight reports how many calls are currently in flight.
func (e *EngineState) LiveCallsInFlight() int { return len(e.calls.m) }

// ListSymbols reports the names currently attached, for the console's
// "list" command.
func (e *EngineState) ListSymbols() []string {
	names := make([]string, 0, len(e.symbols))
	for name := range e.symbols {
		names = append(names, name)
	}
	return names
}

// adapterEngine adapts *EngineState to the narrow osadapter.Engine
// interface without exposing engine internals to the osadapter package.
type adapterEngine struct{ e *EngineState }

func (a adapterEngine) TranslateKSym2V(symbol string) (uint64, error) {
	return a.e.vmi.TranslateKSym2V(symbol)
}

func (a adapterEngine) ReadKernelPage(kva uint64) ([]byte, error) {
	pa, err := a.e.vmi.TranslateKV2P(kva)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, PageSize)
	if err := a.e.vmi.ReadPA(pa, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (a adapterEngine) SyscallEntryVA() (uint64, error) {
	v, err := a.e.vmi.GetVCPUReg(0, vmi.RegMSRLSTAR)
	if err != nil {
		return 0, err
	}
	return v, nil
}
