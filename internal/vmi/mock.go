package vmi

import (
	"context"
	"fmt"
	"sync"
)

// MockSession is an in-memory Session driving the end-to-end scenarios of
// §8: physical memory is a flat byte slice, symbols are a name->address
// map, and events are delivered by tests through the Deliver* helpers,
// which invoke the registered callbacks synchronously.
type MockSession struct {
	mu sync.Mutex

	Symbols map[string]uint64
	// KV2P maps a kernel virtual address to a physical address; missing
	// entries translate to 0 (translation failure), matching §4.3 step 1.
	KV2P map[uint64]uint64
	CR3ToPID map[uint64]uint32
	OS       string
	VCPUs    uint
	AddrW    int
	MemSize  uint64

	mem map[uint64]byte

	// uv2p maps a (pid, virtual address) pair to a physical address, for
	// ReadStrVA to resolve string syscall arguments against.
	uv2p map[uvKey]uint64

	vcpuRegs map[uint]map[VCPUReg]uint64

	interruptCB InterruptCallback
	memCBs      map[uint64]MemAccessCallback
	// memAccess records the access mask each RegisterMemEvent call armed,
	// for test assertions that §4.2's watch covers both reads and writes.
	memAccess map[uint64]MemAccess
	stepCBs   map[uint]SingleStepCallback

	events chan func()
	// VCPUView records which view each VCPU is currently in, and
	// SingleStepArmed the most recent single-step arm state, for test
	// assertions.
	VCPUView       map[uint]uint16
	SingleStepArmed map[uint]bool
}

// uvKey addresses a virtual address within one process's address space,
// for string-argument reads keyed by (pid, va) rather than just va.
type uvKey struct {
	PID uint32
	VA  uint64
}

// maxGuestString bounds how many bytes ReadStrVA scans looking for a NUL
// terminator, matching a real backend's read_str_va's own bound.
const maxGuestString = 256

// NewMockSession returns an empty MockSession for the given guest OS type.
func NewMockSession(os string, vcpus uint) *MockSession {
	return &MockSession{
		Symbols:         map[string]uint64{},
		KV2P:            map[uint64]uint64{},
		CR3ToPID:        map[uint64]uint32{},
		OS:              os,
		VCPUs:           vcpus,
		AddrW:           8,
		MemSize:         256 << 20,
		mem:             map[uint64]byte{},
		uv2p:            map[uvKey]uint64{},
		vcpuRegs:        map[uint]map[VCPUReg]uint64{},
		memCBs:          map[uint64]MemAccessCallback{},
		memAccess:       map[uint64]MemAccess{},
		stepCBs:         map[uint]SingleStepCallback{},
		events:          make(chan func(), 64),
		VCPUView:        map[uint]uint16{},
		SingleStepArmed: map[uint]bool{},
	}
}

func (m *MockSession) NumVCPUs() uint        { return m.VCPUs }
func (m *MockSession) AddressWidth() int     { return m.AddrW }
func (m *MockSession) MemSizeBytes() uint64  { return m.MemSize }
func (m *MockSession) OSType() string        { return m.OS }

func (m *MockSession) TranslateKV2P(kva uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.KV2P[kva], nil
}

func (m *MockSession) TranslateKSym2V(symbol string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.Symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown symbol: %s", symbol)
	}
	return addr, nil
}

func (m *MockSession) DTBToPID(cr3 uint64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CR3ToPID[cr3], nil
}

func (m *MockSession) ReadPA(pa uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range buf {
		buf[i] = m.mem[pa+uint64(i)]
	}
	return nil
}

func (m *MockSession) WritePA(pa uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range buf {
		m.mem[pa+uint64(i)] = b
	}
	return nil
}

func (m *MockSession) Read8PA(pa uint64) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem[pa], nil
}

func (m *MockSession) Read64PA(pa uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(m.mem[pa+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (m *MockSession) Write8PA(pa uint64, b uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mem[pa] = b
	return nil
}

func (m *MockSession) Write64PA(pa uint64, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < 8; i++ {
		m.mem[pa+uint64(i)] = byte(v >> (8 * i))
	}
	return nil
}

// ReadStrVA reads a NUL-terminated string at va within pid's address
// space, resolved through uv2p (populated by tests via SetGuestString).
func (m *MockSession) ReadStrVA(va uint64, pid uint32) (string, bool) {
	m.mu.Lock()
	pa, ok := m.uv2p[uvKey{PID: pid, VA: va}]
	m.mu.Unlock()
	if !ok {
		return "", false
	}

	buf := make([]byte, 0, 16)
	for i := 0; i < maxGuestString; i++ {
		b, err := m.Read8PA(pa + uint64(i))
		if err != nil {
			return "", false
		}
		if b == 0 {
			return string(buf), true
		}
		buf = append(buf, b)
	}
	return string(buf), true
}

// SetGuestString maps va in pid's address space to pa and writes s as a
// NUL-terminated byte sequence at pa, so ReadStrVA resolves it during
// call-argument formatting.
func (m *MockSession) SetGuestString(pid uint32, va, pa uint64, s string) {
	m.mu.Lock()
	m.uv2p[uvKey{PID: pid, VA: va}] = pa
	m.mu.Unlock()
	m.SetMem(pa, append([]byte(s), 0))
}

func (m *MockSession) SetVCPUReg(vcpu uint, reg VCPUReg, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vcpuRegs[vcpu] == nil {
		m.vcpuRegs[vcpu] = map[VCPUReg]uint64{}
	}
	m.vcpuRegs[vcpu][reg] = value
	return nil
}

func (m *MockSession) GetVCPUReg(vcpu uint, reg VCPUReg) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vcpuRegs[vcpu][reg], nil
}

func (m *MockSession) RegisterInterruptEvent(cb InterruptCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interruptCB = cb
	return nil
}

func (m *MockSession) RegisterMemEvent(frame uint64, access MemAccess, view uint16, cb MemAccessCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memCBs[frame] = cb
	m.memAccess[frame] = access
	return nil
}

// MemAccessFor reports the access mask most recently armed for frame via
// RegisterMemEvent, for test assertions.
func (m *MockSession) MemAccessFor(frame uint64) MemAccess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memAccess[frame]
}

func (m *MockSession) UnregisterMemEvent(frame uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memCBs, frame)
	return nil
}

func (m *MockSession) RegisterSingleStepEvent(vcpu uint, cb SingleStepCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepCBs[vcpu] = cb
	return nil
}

// EventsListen runs whatever functions are queued on the mock's events
// channel and returns nil once it is empty. The Deliver* helpers do not
// queue: they invoke callbacks synchronously, so tests can assert state
// immediately after Deliver*. The real backend would instead block in the
// hypervisor's wait call.
func (m *MockSession) EventsListen(ctx context.Context) error {
	for {
		select {
		case fn := <-m.events:
			fn()
		default:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (m *MockSession) Pause() error  { return nil }
func (m *MockSession) Resume() error { return nil }
func (m *MockSession) Destroy() error { return nil }

// --- test-side memory and event helpers, not part of Session ---

// SetMem writes buf at a physical address directly, without going through
// the Session interface; used by tests to seed shadow/original page
// contents.
func (m *MockSession) SetMem(pa uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range buf {
		m.mem[pa+uint64(i)] = b
	}
}

// GetMem reads len(buf) bytes starting at pa into buf.
func (m *MockSession) GetMem(pa uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range buf {
		buf[i] = m.mem[pa+uint64(i)]
	}
}

// applyResponse updates the mock's tracked per-VCPU view/single-step state
// to reflect a callback's Response, the way the real hypervisor would.
func (m *MockSession) applyResponse(vcpu uint, resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp.ToggleSingleStep {
		m.SingleStepArmed[vcpu] = !m.SingleStepArmed[vcpu]
	}
	if resp.SwitchToView {
		m.VCPUView[vcpu] = resp.ViewID
	}
}

// DeliverInterrupt synchronously invokes the registered interrupt
// callback and applies its Response to the mock's tracked per-VCPU
// view/single-step state.
func (m *MockSession) DeliverInterrupt(ev InterruptEvent) Response {
	m.mu.Lock()
	cb := m.interruptCB
	m.mu.Unlock()
	if cb == nil {
		return Response{Reinject: true}
	}
	resp := cb(ev)
	m.applyResponse(ev.VCPU, resp)
	return resp
}

// DeliverMemAccess synchronously invokes the registered callback for
// frame, if any, and applies its Response.
func (m *MockSession) DeliverMemAccess(ev MemAccessEvent) Response {
	m.mu.Lock()
	cb := m.memCBs[ev.Frame]
	m.mu.Unlock()
	if cb == nil {
		return Response{}
	}
	resp := cb(ev)
	m.applyResponse(ev.VCPU, resp)
	return resp
}

// DeliverSingleStep synchronously invokes the registered callback for
// vcpu, if any, and applies its Response.
func (m *MockSession) DeliverSingleStep(vcpu uint) Response {
	m.mu.Lock()
	cb := m.stepCBs[vcpu]
	m.mu.Unlock()
	if cb == nil {
		return Response{}
	}
	resp := cb(SingleStepEvent{VCPU: vcpu})
	m.applyResponse(vcpu, resp)
	return resp
}
