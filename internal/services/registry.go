package services

import (
	"github.com/fyrsmithlabs/fleetd/internal/blackboard"
	"github.com/fyrsmithlabs/fleetd/internal/bus"
	"github.com/fyrsmithlabs/fleetd/internal/checkpoint"
	"github.com/fyrsmithlabs/fleetd/internal/collab"
	"github.com/fyrsmithlabs/fleetd/internal/coordinator"
	"github.com/fyrsmithlabs/fleetd/internal/secrets"
)

// Registry provides access to all fleetd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Bus() *bus.Bus
	Blackboard() *blackboard.Blackboard
	Checkpoints() checkpoint.Store
	Coordinator() *coordinator.Coordinator
	Collaboration() *collab.Service
	Sanitizer() secrets.Sanitizer

	// Reset clears ephemeral service state. Test helper; durable
	// checkpoints are untouched.
	Reset()
}

// Options configures the registry with service instances.
type Options struct {
	Bus           *bus.Bus
	Blackboard    *blackboard.Blackboard
	Checkpoints   checkpoint.Store
	Coordinator   *coordinator.Coordinator
	Collaboration *collab.Service
	Sanitizer     secrets.Sanitizer
}

// registry is the concrete implementation of Registry.
type registry struct {
	bus           *bus.Bus
	blackboard    *blackboard.Blackboard
	checkpoints   checkpoint.Store
	coordinator   *coordinator.Coordinator
	collaboration *collab.Service
	sanitizer     secrets.Sanitizer
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		bus:           opts.Bus,
		blackboard:    opts.Blackboard,
		checkpoints:   opts.Checkpoints,
		coordinator:   opts.Coordinator,
		collaboration: opts.Collaboration,
		sanitizer:     opts.Sanitizer,
	}
}

func (r *registry) Bus() *bus.Bus                        { return r.bus }
func (r *registry) Blackboard() *blackboard.Blackboard   { return r.blackboard }
func (r *registry) Checkpoints() checkpoint.Store        { return r.checkpoints }
func (r *registry) Coordinator() *coordinator.Coordinator { return r.coordinator }
func (r *registry) Collaboration() *collab.Service       { return r.collaboration }
func (r *registry) Sanitizer() secrets.Sanitizer         { return r.sanitizer }

func (r *registry) Reset() {
	if r.blackboard != nil {
		r.blackboard.Reset()
	}
	if r.coordinator != nil {
		r.coordinator.Reset()
	}
	if r.collaboration != nil {
		r.collaboration.Reset()
	}
}
