// Package hv abstracts the hypervisor control channel: domain lookup,
// alt-p2m view management, and guest reservation sizing. A real backend is
// an out-of-scope collaborator (it would bind to libxenctrl over cgo); this
// package specifies only the interface the engine drives it through, plus a
// MockController test double.
package hv

// DomID identifies a guest domain to the hypervisor.
type DomID uint32

// ViewID identifies an alt-p2m view. 0 is reserved for "default view".
type ViewID uint16

// Controller is the external hypervisor control interface (§6).
type Controller interface {
	// DomIDFromName resolves a running guest's name to a domain id.
	DomIDFromName(name string) (DomID, error)

	// AltP2MSetDomainState turns alt-p2m accounting on or off for dom.
	AltP2MSetDomainState(dom DomID, on bool) error
	// AltP2MCreateView allocates a new (initially empty) alt-p2m view.
	AltP2MCreateView(dom DomID) (ViewID, error)
	// AltP2MDestroyView releases a previously created view.
	AltP2MDestroyView(dom DomID, view ViewID) error
	// AltP2MSwitchToView switches the domain's default view, or a single
	// VCPU's view if vcpu >= 0; pass view 0 to restore the default view.
	AltP2MSwitchToView(dom DomID, vcpu int, view ViewID) error
	// AltP2MChangeGFN remaps originalFrame to shadowFrame within view.
	// Passing engine.NoFrame as shadowFrame removes the mapping.
	AltP2MChangeGFN(dom DomID, view ViewID, originalFrame, shadowFrame uint64) error

	// SetMaxMem sets the domain's maximum reservation, in bytes.
	SetMaxMem(dom DomID, bytes uint64) error
	// IncreaseReservationExact requests exactly n additional frames and
	// returns their frame numbers.
	IncreaseReservationExact(dom DomID, n uint64) ([]uint64, error)
	// PopulatePhysmapExact backs the given frames with real memory.
	PopulatePhysmapExact(dom DomID, frames []uint64) error
	// DecreaseReservationExact releases the given frames back to the
	// hypervisor.
	DecreaseReservationExact(dom DomID, frames []uint64) error
}
