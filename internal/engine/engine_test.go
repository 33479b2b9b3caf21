package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altp2m/guestrace/internal/hv"
	"github.com/altp2m/guestrace/internal/logx"
	"github.com/altp2m/guestrace/internal/osadapter"
	"github.com/altp2m/guestrace/internal/vmi"
)

// fakeAdapter satisfies osadapter.Adapter with nothing beyond what New/Run
// require; the scenarios below drive the dispatcher directly rather than
// through Run's event loop, so FindReturnPointAddr/Syscalls are unused.
type fakeAdapter struct{}

func (fakeAdapter) Name() string                                    { return "Linux" }
func (fakeAdapter) Syscalls() []osadapter.SymbolCallback             { return nil }
func (fakeAdapter) FindReturnPointAddr(osadapter.Engine) (uint64, error) {
	return 0xffffffff81002000, nil
}

// newTestEngine builds an EngineState against mock hv/vmi backends, wired
// up enough for Attach and the dispatch handlers to run end to end, without
// driving Run's polling loop.
func newTestEngine(t *testing.T) (*EngineState, *hv.MockController, *vmi.MockSession) {
	t.Helper()

	ctl := hv.NewMockController("guest")
	sess := vmi.NewMockSession("Linux", 1)

	eng, err := New(Config{GuestName: "guest", Adapter: fakeAdapter{}, Log: logx.New("test")}, ctl, sess)
	require.NoError(t, err)

	// Run ordinarily resolves these from the adapter/MSR_LSTAR; tests set
	// them directly since they exercise the dispatcher, not Run itself.
	eng.returnAddr = 0xffffffff81002000
	eng.trampolineAddr = 0xffffffff81003000

	return eng, ctl, sess
}

func mapSymbol(sess *vmi.MockSession, symbol string, va, pa uint64) {
	sess.Symbols[symbol] = va
	sess.KV2P[va] = pa
}

func TestNewResolvesDomainAndEnablesAltP2M(t *testing.T) {
	ctl := hv.NewMockController("guest")
	sess := vmi.NewMockSession("Linux", 1)

	eng, err := New(Config{GuestName: "guest", Adapter: fakeAdapter{}}, ctl, sess)
	require.NoError(t, err)
	assert.Equal(t, hv.DomID(1), eng.dom)
	assert.NotZero(t, eng.view)
	assert.Equal(t, eng.initMemSize, eng.currMemSize)
}

func TestNewRejectsUnknownGuest(t *testing.T) {
	ctl := hv.NewMockController("guest")
	sess := vmi.NewMockSession("Linux", 1)

	_, err := New(Config{GuestName: "not-running", Adapter: fakeAdapter{}}, ctl, sess)
	require.Error(t, err)
	assert.True(t, Is(err, ConfigurationError))
}

func TestNewRejectsNilAdapter(t *testing.T) {
	ctl := hv.NewMockController("guest")
	sess := vmi.NewMockSession("Linux", 1)

	_, err := New(Config{GuestName: "guest"}, ctl, sess)
	require.Error(t, err)
	assert.True(t, Is(err, ConfigurationError))
}

// Scenario 1: a single call/return pair round-trips through the dispatcher:
// the call callback sees the caller's pid, thread and argument registers,
// the return slot is hijacked to the trampoline, and the return callback
// receives the call's user state and RAX before RIP is set to return_addr
// and the in-flight record is evicted.
func TestScenarioSingleCallReturn(t *testing.T) {
	eng, _, sess := newTestEngine(t)

	const symbolVA = 0xffffffff81001000
	const originalPA = 0x9000 // frame 9, offset 0
	mapSymbol(sess, "__x64_sys_openat", symbolVA, originalPA)

	var gotPID uint32
	var gotThread ThreadID
	var gotCallRegs Regs
	callCB := func(pid uint32, thread ThreadID, regs Regs, userData any) any {
		gotPID, gotThread, gotCallRegs = pid, thread, regs
		return "call-state"
	}
	var gotReturnState any
	var gotReturnRegs Regs
	returnCB := func(pid uint32, thread ThreadID, regs Regs, userState any) {
		gotReturnState, gotReturnRegs = userState, regs
	}

	ok, err := eng.Attach("__x64_sys_openat", callCB, returnCB, nil)
	require.NoError(t, err)
	require.True(t, ok)

	const rsp = 0xffff888000001000
	const retSlotPA = 0xA000
	const cr3 = 0x1234000
	const pid = 4242

	require.NoError(t, sess.Write64PA(retSlotPA, eng.returnAddr))
	sess.KV2P[rsp] = retSlotPA
	sess.CR3ToPID[cr3] = pid

	resp := eng.onInterrupt(vmi.InterruptEvent{
		VCPU: 0,
		GLA:  symbolVA,
		Regs: vmi.Regs{RSP: rsp, CR3: cr3, RDI: 3, RSI: 0x1000, RDX: 0x41},
	})
	require.True(t, resp.SwitchToView)
	require.True(t, resp.ToggleSingleStep)
	assert.Equal(t, uint16(0), resp.ViewID)

	assert.Equal(t, uint32(pid), gotPID)
	assert.Equal(t, ThreadID(rsp), gotThread)
	assert.Equal(t, uint64(3), gotCallRegs.RDI)
	assert.Equal(t, uint64(0x1000), gotCallRegs.RSI)
	assert.Equal(t, uint64(0x41), gotCallRegs.RDX)

	_, inFlight := eng.calls.get(ThreadID(rsp))
	assert.True(t, inFlight)

	hijacked, err := sess.Read64PA(retSlotPA)
	require.NoError(t, err)
	assert.Equal(t, eng.trampolineAddr, hijacked)

	stepResp := eng.onSingleStep(vmi.SingleStepEvent{VCPU: 0})
	assert.True(t, stepResp.SwitchToView)
	assert.Equal(t, uint16(eng.view), stepResp.ViewID)

	returnResp := eng.onInterrupt(vmi.InterruptEvent{
		VCPU: 0,
		GLA:  eng.trampolineAddr,
		Regs: vmi.Regs{RSP: rsp + uint64(eng.ptrWidth), CR3: cr3, RAX: 7},
	})
	assert.False(t, returnResp.SwitchToView)
	assert.False(t, returnResp.ToggleSingleStep)
	assert.Equal(t, "call-state", gotReturnState)
	assert.Equal(t, uint64(7), gotReturnRegs.RAX)

	_, stillInFlight := eng.calls.get(ThreadID(rsp))
	assert.False(t, stillInFlight)

	rip, err := sess.GetVCPUReg(0, vmi.RegRIP)
	require.NoError(t, err)
	assert.Equal(t, eng.returnAddr, rip)
}

// Scenario 2: two symbols resolving into the same original frame share one
// PageRecord (and one shadow frame) with two distinct BreakpointRecords.
func TestScenarioTwoSymbolsSharePage(t *testing.T) {
	eng, _, sess := newTestEngine(t)

	mapSymbol(sess, "sym_a", 0xffffffff81004000, 0x9000)
	mapSymbol(sess, "sym_b", 0xffffffff81004100, 0x9100)

	ok, err := eng.Attach("sym_a", noopCall, noopReturn, nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = eng.Attach("sym_b", noopCall, noopReturn, nil)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, eng.shadow.Len())
	assert.Len(t, eng.pages, 1)
	for _, pr := range eng.pages {
		assert.Len(t, pr.Children, 2)
	}
}

// Scenario 3: a guest read of a monitored page detours for one step with no
// callback invoked, and reports the view switch the single-step window
// needs.
func TestScenarioMemAccessDetour(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	resp := eng.onMemAccess(vmi.MemAccessEvent{VCPU: 0, Frame: 9, Write: false})
	assert.True(t, resp.SwitchToView)
	assert.Equal(t, uint16(0), resp.ViewID)
	assert.True(t, resp.ToggleSingleStep)
}

// Scenario 4: a call-site breakpoint fires but the stack's return slot
// doesn't hold return_addr (re-entrancy through an unexpected caller); the
// dispatcher must not hijack the slot or invoke the call callback.
func TestScenarioUnexpectedReturnAddress(t *testing.T) {
	eng, _, sess := newTestEngine(t)

	mapSymbol(sess, "sym_a", 0xffffffff81005000, 0x9000)

	called := false
	ok, err := eng.Attach("sym_a", func(uint32, ThreadID, Regs, any) any {
		called = true
		return nil
	}, noopReturn, nil)
	require.NoError(t, err)
	require.True(t, ok)

	const rsp = 0xffff888000002000
	const retSlotPA = 0xB000
	sess.KV2P[rsp] = retSlotPA
	require.NoError(t, sess.Write64PA(retSlotPA, 0xffffffffdeadbeef)) // not returnAddr

	resp := eng.onInterrupt(vmi.InterruptEvent{
		VCPU: 0,
		GLA:  0xffffffff81005000,
		Regs: vmi.Regs{RSP: rsp},
	})
	assert.False(t, resp.Reinject)
	assert.False(t, resp.SwitchToView)
	assert.False(t, called)

	_, inFlight := eng.calls.get(ThreadID(rsp))
	assert.False(t, inFlight)
}

// A trampoline hit with no matching CallInFlight (stale or unrelated) is
// not reinjected: the trampoline byte is pre-existing kernel code the
// guest never reaches on its own, unlike an unmatched call-site hit.
func TestScenarioStaleReturnSiteHit(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	resp := eng.onInterrupt(vmi.InterruptEvent{
		VCPU: 0,
		GLA:  eng.trampolineAddr,
		Regs: vmi.Regs{RSP: 0xffff888000003008},
	})
	assert.False(t, resp.Reinject)
	assert.False(t, resp.SwitchToView)
	assert.False(t, resp.ToggleSingleStep)
}

// Scenario 5: Quit restores every hijacked return slot and tears down every
// page record, even with a call in flight.
func TestScenarioQuitWithInFlightCall(t *testing.T) {
	eng, _, sess := newTestEngine(t)

	mapSymbol(sess, "sym_a", 0xffffffff81006000, 0x9000)
	ok, err := eng.Attach("sym_a", noopCall, noopReturn, nil)
	require.NoError(t, err)
	require.True(t, ok)

	const rsp = 0xffff888000003000
	const retSlotPA = 0xC000
	sess.KV2P[rsp] = retSlotPA
	require.NoError(t, sess.Write64PA(retSlotPA, eng.returnAddr))

	resp := eng.onInterrupt(vmi.InterruptEvent{
		VCPU: 0,
		GLA:  0xffffffff81006000,
		Regs: vmi.Regs{RSP: rsp},
	})
	require.True(t, resp.SwitchToView)

	hijacked, _ := sess.Read64PA(retSlotPA)
	require.Equal(t, eng.trampolineAddr, hijacked)

	require.NoError(t, eng.Quit())

	restored, err := sess.Read64PA(retSlotPA)
	require.NoError(t, err)
	assert.Equal(t, eng.returnAddr, restored)

	assert.Empty(t, eng.calls.all())
	assert.Empty(t, eng.pages)
	assert.Zero(t, eng.shadow.Len())
}

// Scenario 6: attaching the same symbol twice is idempotent.
func TestScenarioIdempotentInstall(t *testing.T) {
	eng, _, sess := newTestEngine(t)
	mapSymbol(sess, "sym_a", 0xffffffff81007000, 0x9000)

	ok1, err := eng.Attach("sym_a", noopCall, noopReturn, nil)
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, err := eng.Attach("sym_a", noopCall, noopReturn, nil)
	require.NoError(t, err)
	require.True(t, ok2)

	require.Len(t, eng.pages, 1)
	for _, pr := range eng.pages {
		assert.Len(t, pr.Children, 1)
	}
}

func TestAttachLogsAndSkipsOnTranslationError(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ok, err := eng.Attach("no_such_symbol", noopCall, noopReturn, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttachAllCountsSuccesses(t *testing.T) {
	eng, _, sess := newTestEngine(t)
	mapSymbol(sess, "sym_a", 0xffffffff81008000, 0x9000)
	mapSymbol(sess, "sym_b", 0xffffffff81008100, 0x9100)

	n, err := eng.AttachAll([]SymbolCallback{
		{Name: "sym_a", CallCallback: noopCall, ReturnCallback: noopReturn},
		{Name: "unknown_symbol", CallCallback: noopCall, ReturnCallback: noopReturn},
		{Name: "sym_b", CallCallback: noopCall, ReturnCallback: noopReturn},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// The reservation-accounting invariant: curr_mem_size tracks
// init_mem_size + PAGE_SIZE * len(pages) exactly, across installs spanning
// multiple distinct original frames.
func TestReservationAccountingInvariant(t *testing.T) {
	eng, ctl, sess := newTestEngine(t)
	initMem := eng.initMemSize

	mapSymbol(sess, "sym_a", 0xffffffff81009000, 0x9000)
	mapSymbol(sess, "sym_b", 0xffffffff8100a000, 0xA000) // distinct frame

	_, err := eng.Attach("sym_a", noopCall, noopReturn, nil)
	require.NoError(t, err)
	_, err = eng.Attach("sym_b", noopCall, noopReturn, nil)
	require.NoError(t, err)

	assert.Equal(t, initMem+2*PageSize, eng.CurrMemSize())
	assert.Equal(t, eng.CurrMemSize(), ctl.CurrMemBytes(eng.dom, initMem))
	assert.Equal(t, 2, eng.LivePageRecords())
}

func noopCall(pid uint32, thread ThreadID, regs Regs, userData any) any { return nil }
func noopReturn(pid uint32, thread ThreadID, regs Regs, userState any)  {}

func TestDetachRestoresByteAndTearsDownEmptyPage(t *testing.T) {
	eng, _, sess := newTestEngine(t)
	mapSymbol(sess, "sym_a", 0xffffffff8100b000, 0x9000)
	sess.SetMem(0x9000, []byte{0x55}) // sym_a's original first byte

	ok, err := eng.Attach("sym_a", noopCall, noopReturn, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"sym_a"}, eng.ListSymbols())

	require.Len(t, eng.pages, 1)
	var shadowPA uint64
	for _, pr := range eng.pages {
		shadowPA = uint64(MakePhysAddr(pr.ShadowFrame, 0))
	}
	emplaced, err := sess.Read8PA(shadowPA)
	require.NoError(t, err)
	require.Equal(t, uint8(BreakOpcode), emplaced)

	detached, err := eng.Detach("sym_a")
	require.NoError(t, err)
	assert.True(t, detached)
	restored, err := sess.Read8PA(shadowPA)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x55), restored)
	assert.Empty(t, eng.ListSymbols())
	assert.Empty(t, eng.pages)
	assert.Zero(t, eng.shadow.Len())
}

func TestDetachLeavesSiblingBreakpointOnSharedPage(t *testing.T) {
	eng, _, sess := newTestEngine(t)
	mapSymbol(sess, "sym_a", 0xffffffff8100c000, 0x9000)
	mapSymbol(sess, "sym_b", 0xffffffff8100c100, 0x9100)

	_, err := eng.Attach("sym_a", noopCall, noopReturn, nil)
	require.NoError(t, err)
	_, err = eng.Attach("sym_b", noopCall, noopReturn, nil)
	require.NoError(t, err)

	detached, err := eng.Detach("sym_a")
	require.NoError(t, err)
	assert.True(t, detached)

	assert.Len(t, eng.pages, 1)
	assert.Equal(t, 1, eng.shadow.Len())
}

func TestDetachUnknownSymbolReportsFalse(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ok, err := eng.Detach("never_attached")
	require.NoError(t, err)
	assert.False(t, ok)
}
