// Package reconcile converges a container runtime to a desired topology.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caravelhq/caravel/interfaces"
	"github.com/caravelhq/caravel/models"
	"github.com/caravelhq/caravel/observability"
	"github.com/caravelhq/caravel/services/topology"
)

// Result is one reconcile pass's per-service outcome list, in dependency
// order. Reconciliation is not transactional: on partial failure the caller
// retries the failed subset, updated services stay updated.
type Result struct {
	Outcomes []models.ServiceOutcome
}

// Err returns nil when every service converged, otherwise a
// PartialReconcileError carrying the outcome list.
func (r *Result) Err() error {
	for _, o := range r.Outcomes {
		if o.Action == models.ActionFailed || o.Action == models.ActionSkipped {
			return &models.PartialReconcileError{Outcomes: r.Outcomes}
		}
	}
	return nil
}

// Failed returns the names of services that did not converge, the subset a
// caller retries.
func (r *Result) Failed() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Action == models.ActionFailed || o.Action == models.ActionSkipped {
			names = append(names, o.Service)
		}
	}
	return names
}

// ExitEvent reports a supervised container exit that was not restarted.
type ExitEvent struct {
	Service  string
	ExitCode int
}

// Engine owns the mapping from service name to live container handle on one
// host. It serializes its own runtime mutations; concurrent manual
// intervention on the host is out of contract.
type Engine struct {
	rt      interfaces.Runtime
	log     *slog.Logger
	metrics *observability.Registry

	mu         sync.Mutex
	containers map[string]string         // service name -> container ID
	specs      map[string]models.Service // last reconciled spec per service
}

func NewEngine(rt interfaces.Runtime, log *slog.Logger, metrics *observability.Registry) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewRegistry()
	}
	return &Engine{
		rt:         rt,
		log:        log,
		metrics:    metrics,
		containers: make(map[string]string),
		specs:      make(map[string]models.Service),
	}
}

// gate is closed once its service has either started or definitively failed.
type gate struct {
	ch chan struct{}
	ok bool
}

// Reconcile brings the runtime to the desired topology. Services with no
// dependency path between them converge concurrently; a dependent waits for
// each dependency's start (start, not readiness) before its own work begins.
// A failed service marks its transitive dependents skipped; independent
// branches are unaffected.
func (e *Engine) Reconcile(ctx context.Context, desired *models.Topology) (*Result, error) {
	started := time.Now()
	order, err := topology.DependencyOrder(desired)
	if err != nil {
		return nil, err
	}

	for _, net := range desired.Networks {
		if err := e.rt.EnsureNetwork(ctx, net); err != nil {
			return nil, err
		}
	}
	for _, vol := range desired.Volumes {
		if err := e.rt.EnsureVolume(ctx, vol); err != nil {
			return nil, err
		}
	}

	gates := make(map[string]*gate, len(order))
	for _, svc := range order {
		gates[svc.Name] = &gate{ch: make(chan struct{})}
	}

	var mu sync.Mutex
	outcomes := make(map[string]models.ServiceOutcome, len(order))
	record := func(o models.ServiceOutcome) {
		mu.Lock()
		outcomes[o.Service] = o
		mu.Unlock()
	}

	var g errgroup.Group
	for _, svc := range order {
		svc := svc
		g.Go(func() error {
			self := gates[svc.Name]
			defer close(self.ch)

			for _, dep := range svc.DependsOn {
				depGate := gates[dep]
				select {
				case <-depGate.ch:
					if !depGate.ok {
						record(models.ServiceOutcome{Service: svc.Name, Action: models.ActionSkipped,
							Err: "dependency " + dep + " did not start"})
						return nil
					}
				case <-ctx.Done():
					record(models.ServiceOutcome{Service: svc.Name, Action: models.ActionSkipped,
						Err: ctx.Err().Error()})
					return nil
				}
			}

			outcome := e.reconcileService(ctx, svc)
			record(outcome)
			self.ok = outcome.Action != models.ActionFailed
			return nil
		})
	}
	// Goroutines report through outcomes, never through the group error.
	_ = g.Wait()

	res := &Result{Outcomes: make([]models.ServiceOutcome, 0, len(order))}
	for _, svc := range order {
		res.Outcomes = append(res.Outcomes, outcomes[svc.Name])
	}
	e.metrics.Timer("reconcile.pass").Observe(time.Since(started))
	return res, nil
}

// reconcileService converges one service. Unchanged services are skipped by
// image reference and config hash comparison, which is what makes a second
// pass with no drift perform zero container churn.
func (e *Engine) reconcileService(ctx context.Context, svc models.Service) models.ServiceOutcome {
	hash := svc.ConfigHash()

	current, err := e.rt.LookupContainer(ctx, svc.Name)
	if err != nil {
		return failed(svc.Name, err)
	}

	if current != nil && current.Image == svc.Image && current.ConfigHash == hash {
		if current.Running {
			e.track(svc, current.ID)
			return models.ServiceOutcome{Service: svc.Name, Action: models.ActionUnchanged}
		}
		// Same spec, stopped container: start it again rather than churn.
		if err := e.rt.StartContainer(ctx, current.ID); err != nil {
			return failed(svc.Name, err)
		}
		e.track(svc, current.ID)
		e.metrics.Counter("reconcile.restarted").Inc()
		return models.ServiceOutcome{Service: svc.Name, Action: models.ActionUpdated}
	}

	if err := e.rt.PullImage(ctx, svc.Image); err != nil {
		e.log.Error("image pull failed", "service", svc.Name, "image", svc.Image, "error", err)
		return failed(svc.Name, &models.ImagePullError{Service: svc.Name, Image: svc.Image, Cause: err})
	}
	e.metrics.Counter("reconcile.pulled").Inc()

	action := models.ActionCreated
	if current != nil {
		action = models.ActionUpdated
		if err := e.rt.RemoveContainer(ctx, svc.Name); err != nil {
			return failed(svc.Name, err)
		}
	}

	id, err := e.rt.CreateContainer(ctx, svc, hash)
	if err != nil {
		return failed(svc.Name, err)
	}
	if err := e.rt.StartContainer(ctx, id); err != nil {
		return failed(svc.Name, err)
	}
	e.track(svc, id)
	e.metrics.Counter("reconcile.recreated").Inc()

	if svc.Readiness != nil {
		if err := e.probe(ctx, svc); err != nil {
			e.log.Warn("readiness probe failed", "service", svc.Name, "error", err)
			return failed(svc.Name, err)
		}
	}

	e.log.Info("service converged", "service", svc.Name, "image", svc.Image, "action", action)
	return models.ServiceOutcome{Service: svc.Name, Action: action}
}

// PruneVolumes destroys the topology's named volumes. The only path that
// removes a volume; reconciliation alone never does.
func (e *Engine) PruneVolumes(ctx context.Context, t *models.Topology) error {
	return e.rt.PruneVolumes(ctx, t.Volumes)
}

func (e *Engine) track(svc models.Service, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.containers[svc.Name] = id
	e.specs[svc.Name] = svc
}

func (e *Engine) tracked(service string) (models.Service, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.containers[service]
	if !ok {
		return models.Service{}, "", false
	}
	return e.specs[service], id, true
}

func failed(service string, err error) models.ServiceOutcome {
	return models.ServiceOutcome{Service: service, Action: models.ActionFailed, Err: err.Error()}
}
