// Package pipeline sequences Checkout, Build, Publish and Deploy for each
// trigger event against one deployment target.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caravelhq/caravel/interfaces"
	"github.com/caravelhq/caravel/models"
	"github.com/caravelhq/caravel/observability"
)

// RunNotifier receives terminal runs. Notification is best effort and never
// affects a run's outcome.
type RunNotifier interface {
	RunFinished(ctx context.Context, run *models.PipelineRun) error
}

// Deps are the stage executors and persistence the controller drives. All
// are interfaces so the stage machine is testable without docker, git, or a
// network.
type Deps struct {
	Source   interfaces.Source
	Builder  interfaces.Builder
	Registry interfaces.Registry
	Dialer   interfaces.Dialer
	Store    interfaces.Store
	Notifier RunNotifier // optional
	Metrics  *observability.Registry
	Log      *slog.Logger
}

type Options struct {
	// Target is the deploy host. The controller serializes runs per
	// target: one worker drains an ordered queue, so a trigger arriving
	// while a run is active queues behind it instead of cancelling it.
	Target string

	Topology *models.Topology

	// WorkDir holds per-run checkout directories.
	WorkDir string

	// RemoteCommand is executed on the target host during Deploy and is
	// expected to invoke the on-host reconciliation.
	RemoteCommand string

	// StageTimeout bounds each stage; exceeding it fails the run with
	// StageTimeoutError. Zero means an hour.
	StageTimeout time.Duration

	// QueueSize bounds pending triggers. Zero means 16.
	QueueSize int
}

var ErrQueueFull = errors.New("pipeline: trigger queue is full")
var ErrCancelRejected = errors.New("pipeline: run can no longer be cancelled")

type Controller struct {
	deps Deps
	opts Options

	queue chan *models.PipelineRun

	mu            sync.Mutex
	active        *models.PipelineRun
	deployStarted bool
	cancelRequest map[string]bool
}

func NewController(deps Deps, opts Options) *Controller {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewRegistry()
	}
	if opts.StageTimeout == 0 {
		opts.StageTimeout = time.Hour
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 16
	}
	return &Controller{
		deps:          deps,
		opts:          opts,
		queue:         make(chan *models.PipelineRun, opts.QueueSize),
		cancelRequest: make(map[string]bool),
	}
}

// Trigger records a new run for the given source reference and queues it.
// The sole entry point into the pipeline: there is no retry trigger, a
// failed run needs a fresh push.
func (c *Controller) Trigger(ref string) (*models.PipelineRun, error) {
	run := models.NewPipelineRun(c.opts.Target, ref)
	if err := c.deps.Store.CreateRun(run); err != nil {
		return nil, err
	}
	select {
	case c.queue <- run:
		c.deps.Metrics.Counter("pipeline.triggered").Inc()
		return run, nil
	default:
		run.Status = models.RunFailed
		_ = c.deps.Store.UpdateRun(run)
		return nil, ErrQueueFull
	}
}

// Cancel requests cancellation of a run. Cancellation only takes effect
// between stages and is rejected once Deploy has started or the run is
// finished.
func (c *Controller) Cancel(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.ID.String() == runID && c.deployStarted {
		return ErrCancelRejected
	}
	run, err := c.deps.Store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return ErrCancelRejected
	}
	c.cancelRequest[runID] = true
	return nil
}

// Run drains the queue until the context ends. One worker per controller:
// the ordering guarantee lives in this loop, not in a lock.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case run := <-c.queue:
			c.execute(ctx, run)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) execute(ctx context.Context, run *models.PipelineRun) {
	c.mu.Lock()
	if c.cancelRequest[run.ID.String()] {
		delete(c.cancelRequest, run.ID.String())
		c.mu.Unlock()
		c.finishCancelled(run, 0)
		return
	}
	c.active = run
	c.deployStarted = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.active = nil
		c.deployStarted = false
		delete(c.cancelRequest, run.ID.String())
		c.mu.Unlock()
	}()

	now := time.Now().UTC()
	run.Status = models.RunRunning
	run.StartedAt = &now
	_ = c.deps.Store.UpdateRun(run)
	c.deps.Log.Info("pipeline run started", "run", run.ID, "ref", run.TriggerRef)

	srcDir := filepath.Join(c.opts.WorkDir, run.ID.String())
	defer os.RemoveAll(srcDir)

	for i, name := range models.StageOrder {
		if !c.enterStage(run, name) {
			c.finishCancelled(run, i)
			return
		}

		if err := c.runStage(ctx, run, name, srcDir); err != nil {
			c.failRun(run, name, i, err)
			return
		}
	}

	finished := time.Now().UTC()
	run.Status = models.RunSucceeded
	run.FinishedAt = &finished
	_ = c.deps.Store.UpdateRun(run)
	c.deps.Metrics.Counter("pipeline.succeeded").Inc()
	c.deps.Log.Info("pipeline run succeeded", "run", run.ID)
	c.notify(run)
}

func (c *Controller) notify(run *models.PipelineRun) {
	if c.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.deps.Notifier.RunFinished(ctx, run); err != nil {
		c.deps.Log.Warn("run notification failed", "run", run.ID, "error", err)
	}
}

func (c *Controller) runStage(ctx context.Context, run *models.PipelineRun, name models.StageName, srcDir string) error {
	stage := run.Stage(name)
	started := time.Now().UTC()
	stage.Status = models.StageRunning
	stage.StartedAt = &started
	_ = c.deps.Store.UpdateRun(run)

	logger := &stageLogger{store: c.deps.Store, log: c.deps.Log, runID: run.ID.String(), stage: name}
	logger.Logf("stage started")

	stageCtx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
	defer cancel()

	var err error
	switch name {
	case models.StageCheckout:
		err = c.deps.Source.Checkout(stageCtx, run.TriggerRef, srcDir, logger)
	case models.StageBuild:
		err = c.buildAll(stageCtx, srcDir, logger)
	case models.StagePublish:
		err = c.publishAll(stageCtx, logger)
	case models.StageDeploy:
		err = c.deploy(stageCtx, logger)
	}
	if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		err = &models.StageTimeoutError{Stage: name, Timeout: c.opts.StageTimeout.String()}
	}

	finished := time.Now().UTC()
	stage.FinishedAt = &finished
	if err != nil {
		stage.Status = models.StageFailed
		stage.Error = err.Error()
		logger.Logf("stage failed: %v", err)
	} else {
		stage.Status = models.StageSucceeded
		logger.Logf("stage succeeded")
	}
	_ = c.deps.Store.UpdateRun(run)
	c.deps.Metrics.Timer("pipeline.stage." + string(name)).Observe(finished.Sub(started))
	return err
}

// buildAll builds every service that declares a build context. Builds run
// concurrently; the stage succeeds only if all of them do.
func (c *Controller) buildAll(ctx context.Context, srcDir string, logger *stageLogger) error {
	buildable := c.opts.Topology.Buildable()
	if len(buildable) == 0 {
		logger.Logf("no buildable services declared")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range buildable {
		svc := svc
		g.Go(func() error {
			return c.deps.Builder.Build(gctx, svc, srcDir, logger)
		})
	}
	return g.Wait()
}

// publishAll pushes every built artifact under its declared tag. The fixed
// tag convention is last-write-wins: no rollback pointer is kept here.
func (c *Controller) publishAll(ctx context.Context, logger *stageLogger) error {
	for _, svc := range c.opts.Topology.Buildable() {
		if err := c.deps.Registry.Push(ctx, svc.Image, logger); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) deploy(ctx context.Context, logger *stageLogger) error {
	sess, err := c.deps.Dialer.Connect(ctx, c.opts.Target)
	if err != nil {
		return err
	}
	defer sess.Close()

	logger.Logf("running remote reconcile on %s", c.opts.Target)
	exitCode, stdout, stderr, err := sess.Run(ctx, c.opts.RemoteCommand)
	if stdout != "" {
		logger.Logf("%s", stdout)
	}
	if stderr != "" {
		logger.Logf("%s", stderr)
	}
	if err != nil {
		return fmt.Errorf("remote reconcile: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("remote reconcile exited with code %d", exitCode)
	}
	return nil
}

// enterStage reports whether the stage may begin. A pending cancel request
// wins, and the Deploy point-of-no-return is marked under the same lock
// Cancel takes, so an accepted cancellation is never overtaken by Deploy
// starting.
func (c *Controller) enterStage(run *models.PipelineRun, name models.StageName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRequest[run.ID.String()] {
		return false
	}
	if name == models.StageDeploy {
		c.deployStarted = true
	}
	return true
}

func (c *Controller) failRun(run *models.PipelineRun, name models.StageName, idx int, err error) {
	for _, later := range models.StageOrder[idx+1:] {
		run.Stage(later).Status = models.StageSkipped
	}
	finished := time.Now().UTC()
	run.Status = models.RunFailed
	run.FinishedAt = &finished
	_ = c.deps.Store.UpdateRun(run)
	c.deps.Metrics.Counter("pipeline.failed").Inc()
	c.deps.Log.Error("pipeline run failed", "run", run.ID, "stage", name, "error", err)
	c.notify(run)
}

func (c *Controller) finishCancelled(run *models.PipelineRun, idx int) {
	for _, later := range models.StageOrder[idx:] {
		run.Stage(later).Status = models.StageSkipped
	}
	finished := time.Now().UTC()
	run.Status = models.RunCancelled
	run.FinishedAt = &finished
	_ = c.deps.Store.UpdateRun(run)
	c.deps.Log.Info("pipeline run cancelled", "run", run.ID)
	c.notify(run)
}

// stageLogger appends to the run's persistent stage log and mirrors to the
// process log.
type stageLogger struct {
	store interfaces.Store
	log   *slog.Logger
	runID string
	stage models.StageName
}

func (l *stageLogger) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.store.AppendStageLog(l.runID, models.StageLog{
		Timestamp: time.Now().UTC(),
		Stage:     l.stage,
		Message:   msg,
	})
	l.log.Info(msg, "run", l.runID, "stage", l.stage)
}
