package hv

import (
	"fmt"
	"sync"
)

// MockController is an in-memory Controller used by engine tests and by
// the end-to-end scenarios in §8. It tracks reservation size and view
// membership well enough to assert against, but performs no real memory
// management.
type MockController struct {
	mu sync.Mutex

	Domains map[string]DomID

	altp2mOn map[DomID]bool
	views    map[DomID]map[ViewID]bool
	nextView ViewID

	// GFN maps (dom,view,originalFrame) -> shadowFrame.
	GFN map[DomID]map[ViewID]map[uint64]uint64

	maxMemBytes  map[DomID]uint64
	nextFrame    uint64
	reservations map[DomID]map[uint64]bool

	// VCPUView records the view each VCPU is currently switched to (0 for
	// default, or the domain-wide default if unset).
	VCPUView map[DomID]map[int]ViewID
}

// NewMockController returns a MockController with dom registered under
// name at DomID 1.
func NewMockController(name string) *MockController {
	return &MockController{
		Domains:      map[string]DomID{name: 1},
		altp2mOn:     map[DomID]bool{},
		views:        map[DomID]map[ViewID]bool{},
		GFN:          map[DomID]map[ViewID]map[uint64]uint64{},
		maxMemBytes:  map[DomID]uint64{1: 256 << 20},
		nextFrame:    1 << 20,
		reservations: map[DomID]map[uint64]bool{},
		VCPUView:     map[DomID]map[int]ViewID{},
	}
}

func (m *MockController) DomIDFromName(name string) (DomID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Domains[name]
	if !ok {
		return 0, fmt.Errorf("no such domain: %s", name)
	}
	return id, nil
}

func (m *MockController) AltP2MSetDomainState(dom DomID, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.altp2mOn[dom] = on
	return nil
}

func (m *MockController) AltP2MCreateView(dom DomID) (ViewID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextView++
	if m.views[dom] == nil {
		m.views[dom] = map[ViewID]bool{}
	}
	m.views[dom][m.nextView] = true
	if m.GFN[dom] == nil {
		m.GFN[dom] = map[ViewID]map[uint64]uint64{}
	}
	m.GFN[dom][m.nextView] = map[uint64]uint64{}
	return m.nextView, nil
}

func (m *MockController) AltP2MDestroyView(dom DomID, view ViewID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views[dom], view)
	delete(m.GFN[dom], view)
	return nil
}

func (m *MockController) AltP2MSwitchToView(dom DomID, vcpu int, view ViewID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.VCPUView[dom] == nil {
		m.VCPUView[dom] = map[int]ViewID{}
	}
	m.VCPUView[dom][vcpu] = view
	return nil
}

func (m *MockController) AltP2MChangeGFN(dom DomID, view ViewID, originalFrame, shadowFrame uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.GFN[dom][view]
	if tbl == nil {
		return fmt.Errorf("no such view %d on dom %d", view, dom)
	}
	if shadowFrame == ^uint64(0) {
		delete(tbl, originalFrame)
		return nil
	}
	tbl[originalFrame] = shadowFrame
	return nil
}

func (m *MockController) SetMaxMem(dom DomID, bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxMemBytes[dom] = bytes
	return nil
}

func (m *MockController) IncreaseReservationExact(dom DomID, n uint64) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := make([]uint64, n)
	if m.reservations[dom] == nil {
		m.reservations[dom] = map[uint64]bool{}
	}
	for i := range frames {
		frames[i] = m.nextFrame
		m.nextFrame++
	}
	return frames, nil
}

func (m *MockController) PopulatePhysmapExact(dom DomID, frames []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		m.reservations[dom][f] = true
	}
	return nil
}

func (m *MockController) DecreaseReservationExact(dom DomID, frames []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		delete(m.reservations[dom], f)
	}
	return nil
}

// CurrMemBytes is a test helper summing the live reservation (not
// including maxmem), used to assert §8's reservation-accounting
// invariant from outside the engine package.
func (m *MockController) CurrMemBytes(dom DomID, initBytes uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return initBytes + uint64(len(m.reservations[dom]))*4096
}
