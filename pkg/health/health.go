// Package health exposes liveness and readiness checks over the
// backing-store allocator's process-wide state.
package health

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/backing-store/pkg/backing"
)

// RegistryResponsive fails when the global registry mutex cannot be
// acquired within timeout.
func RegistryResponsive(timeout time.Duration) healthcheck.Check {
	return func() error {
		return backing.PingRegistry(timeout)
	}
}

// AddressSpaceHeadroom fails when reserved address space has crossed the
// given fraction of the ceiling.
func AddressSpaceHeadroom(fraction float64) healthcheck.Check {
	return func() error {
		reserved := backing.ReservedAddressSpace()
		limit := backing.AddressSpaceLimit()
		if float64(reserved) >= fraction*float64(limit) {
			return fmt.Errorf("reserved address space %d of %d exceeds %.0f%% headroom threshold",
				reserved, limit, fraction*100)
		}
		return nil
	}
}

// NewHandler returns a healthcheck handler with the allocator's standard
// probes: registry responsiveness as liveness, address-space headroom as
// readiness.
func NewHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("registry-responsive", RegistryResponsive(time.Second))
	h.AddReadinessCheck("address-space-headroom", AddressSpaceHeadroom(0.95))
	return h
}
