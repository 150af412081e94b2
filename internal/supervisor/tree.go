// Package supervisor runs the long-lived services of a printlog process under
// a suture supervisor tree.
//
// The root supervisor has three layers:
//
//	printlog
//	├── connection-layer  (printer connection registry)
//	├── worker-layer      (import worker, history sync scheduler)
//	└── api-layer         (REST and metrics HTTP servers)
//
// A crashing service is restarted by its layer without touching the others.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
)

// TreeConfig holds restart policy for every supervisor in the tree.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns the restart policy used by the binaries.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the process supervisor.
type Tree struct {
	root        *suture.Supervisor
	connections *suture.Supervisor
	workers     *suture.Supervisor
	api         *suture.Supervisor
	config      TreeConfig
}

// NewTree builds the layered tree. Zero config fields take defaults.
func NewTree(config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	rootSpec := suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// children inherit the root's event hook when added
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("printlog", rootSpec)
	connections := suture.New("connection-layer", childSpec)
	workers := suture.New("worker-layer", childSpec)
	api := suture.New("api-layer", childSpec)
	root.Add(connections)
	root.Add(workers)
	root.Add(api)

	return &Tree{root: root, connections: connections, workers: workers, api: api, config: config}
}

func (t *Tree) Root() *suture.Supervisor { return t.root }

func (t *Tree) AddConnectionService(svc suture.Service) suture.ServiceToken {
	return t.connections.Add(svc)
}

func (t *Tree) AddWorkerService(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled and every service has stopped.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
