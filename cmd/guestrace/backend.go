package main

import (
	"fmt"

	"github.com/altp2m/guestrace/internal/hv"
	"github.com/altp2m/guestrace/internal/vmi"
)

// newProductionBackend would construct the real hypervisor-control and VMI
// handles for guestName, binding to libxenctrl and libvmi. Those libraries
// are an out-of-scope external collaborator per spec.md §1 ("the VMI
// library ... the hypervisor control channel"): this module specifies the
// hv.Controller/vmi.Session interfaces they must satisfy (internal/hv,
// internal/vmi) and drives them from internal/engine, but does not ship a
// cgo binding. A real deployment links one in here.
func newProductionBackend(guestName string) (hv.Controller, vmi.Session, error) {
	return nil, nil, fmt.Errorf("no production hypervisor/VMI backend linked in; " +
		"this build only supports -mock (see internal/hv.MockController, internal/vmi.MockSession)")
}
