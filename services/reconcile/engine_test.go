package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/models"
)

type fakeRuntime struct {
	mu         sync.Mutex
	networks   map[string]bool
	volumes    map[string]bool
	containers map[string]*models.ContainerInfo // keyed by service name
	waiters    map[string]chan int              // keyed by container ID
	pullErr    map[string]error                 // image ref -> forced error

	pulls      int
	creates    int
	removes    int
	starts     int
	startOrder []string
	nextID     int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		networks:   map[string]bool{},
		volumes:    map[string]bool{},
		containers: map[string]*models.ContainerInfo{},
		waiters:    map[string]chan int{},
		pullErr:    map[string]error{},
	}
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, n models.Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[n.Name] = true
	return nil
}

func (f *fakeRuntime) EnsureVolume(ctx context.Context, v models.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[v.Name] = true
	return nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pullErr[ref]; err != nil {
		return err
	}
	f.pulls++
	return nil
}

func (f *fakeRuntime) LookupContainer(ctx context.Context, service string) (*models.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[service]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[service]; ok {
		delete(f.waiters, c.ID)
		delete(f.containers, service)
		f.removes++
	}
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, svc models.Service, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[svc.Name] = &models.ContainerInfo{
		ID:         id,
		Service:    svc.Name,
		Image:      svc.Image,
		ConfigHash: hash,
	}
	f.waiters[id] = make(chan int, 1)
	f.creates++
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.ID == id {
			c.Running = true
			f.starts++
			f.startOrder = append(f.startOrder, c.Service)
			return nil
		}
	}
	return fmt.Errorf("no container %q", id)
}

func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	ch, ok := f.waiters[id]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no container %q", id)
	}
	select {
	case code := <-ch:
		f.mu.Lock()
		for _, c := range f.containers {
			if c.ID == id {
				c.Running = false
				c.ExitCode = code
			}
		}
		f.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeRuntime) PruneVolumes(ctx context.Context, vols []models.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range vols {
		delete(f.volumes, v.Name)
	}
	return nil
}

func (f *fakeRuntime) exit(t *testing.T, service string, code int) {
	t.Helper()
	f.mu.Lock()
	c, ok := f.containers[service]
	var ch chan int
	if ok {
		ch = f.waiters[c.ID]
	}
	f.mu.Unlock()
	require.True(t, ok, "no container for %s", service)
	ch <- code
}

func (f *fakeRuntime) counts() (pulls, creates, removes, starts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls, f.creates, f.removes, f.starts
}

func threeTier() *models.Topology {
	return &models.Topology{
		Networks: []models.Network{{Name: "app-net"}},
		Volumes:  []models.Volume{{Name: "dbdata"}},
		Services: []models.Service{
			{Name: "db", Image: "mongo:6", Networks: []string{"app-net"},
				Volumes:       []models.VolumeMount{{Volume: "dbdata", Target: "/data/db"}},
				RestartPolicy: models.RestartAlways},
			{Name: "api", Image: "registry.example.com/demo/api:latest", Networks: []string{"app-net"},
				DependsOn: []string{"db"}, RestartPolicy: models.RestartAlways},
			{Name: "proxy", Image: "registry.example.com/demo/proxy:latest", Networks: []string{"app-net"},
				DependsOn: []string{"api"}, RestartPolicy: models.RestartAlways},
		},
	}
}

func TestReconcileCreatesInDependencyOrder(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	res, err := e.Reconcile(context.Background(), threeTier())
	require.NoError(t, err)
	require.NoError(t, res.Err())

	_, creates, _, _ := rt.counts()
	assert.Equal(t, 3, creates)
	assert.Equal(t, []string{"db", "api", "proxy"}, rt.startOrder)
	assert.True(t, rt.networks["app-net"])
	assert.True(t, rt.volumes["dbdata"])
}

func TestReconcileIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	_, err := e.Reconcile(context.Background(), threeTier())
	require.NoError(t, err)
	pulls1, creates1, removes1, _ := rt.counts()

	res, err := e.Reconcile(context.Background(), threeTier())
	require.NoError(t, err)
	require.NoError(t, res.Err())

	pulls2, creates2, removes2, _ := rt.counts()
	assert.Equal(t, pulls1, pulls2, "second pass must not pull")
	assert.Equal(t, creates1, creates2, "second pass must not create")
	assert.Equal(t, removes1, removes2, "second pass must not remove")
	for _, o := range res.Outcomes {
		assert.Equal(t, models.ActionUnchanged, o.Action, o.Service)
	}
}

func TestReconcileUpdatesOnlyChangedService(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	top := threeTier()
	_, err := e.Reconcile(context.Background(), top)
	require.NoError(t, err)

	top.Services[1].Image = "registry.example.com/demo/api:v2"
	res, err := e.Reconcile(context.Background(), top)
	require.NoError(t, err)
	require.NoError(t, res.Err())

	byName := map[string]models.Action{}
	for _, o := range res.Outcomes {
		byName[o.Service] = o.Action
	}
	assert.Equal(t, models.ActionUnchanged, byName["db"])
	assert.Equal(t, models.ActionUpdated, byName["api"])
	assert.Equal(t, models.ActionUnchanged, byName["proxy"])
}

func TestReconcilePullFailureSkipsDependents(t *testing.T) {
	rt := newFakeRuntime()
	rt.pullErr["registry.example.com/demo/api:latest"] = errors.New("registry unreachable")
	e := NewEngine(rt, nil, nil)

	res, err := e.Reconcile(context.Background(), threeTier())
	require.NoError(t, err)
	require.Error(t, res.Err())

	var partial *models.PartialReconcileError
	require.ErrorAs(t, res.Err(), &partial)

	byName := map[string]models.ServiceOutcome{}
	for _, o := range res.Outcomes {
		byName[o.Service] = o
	}
	// The dependency reconciled before the failure stays reconciled.
	assert.Equal(t, models.ActionCreated, byName["db"].Action)
	assert.Equal(t, models.ActionFailed, byName["api"].Action)
	assert.Contains(t, byName["api"].Err, "registry unreachable")
	assert.Equal(t, models.ActionSkipped, byName["proxy"].Action)

	assert.ElementsMatch(t, []string{"api", "proxy"}, res.Failed())
}

func TestReconcileRejectsInvalidTopology(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	top := threeTier()
	top.Services[0].DependsOn = []string{"proxy"} // cycle

	_, err := e.Reconcile(context.Background(), top)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, creates, _, _ := rt.counts()
	assert.Zero(t, creates, "invalid topology must cause no side effects")
}

func TestSuperviseLeavesAlwaysPolicyToRuntime(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	_, err := e.Reconcile(context.Background(), threeTier())
	require.NoError(t, err)
	_, createsBefore, removesBefore, _ := rt.counts()

	events := make(chan ExitEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Supervise(ctx, events)

	time.Sleep(50 * time.Millisecond)
	rt.exit(t, "api", 137)

	// The runtime's native always policy restarts the container in place;
	// the supervisor must neither recreate it nor report it.
	time.Sleep(100 * time.Millisecond)
	_, creates, removes, _ := rt.counts()
	assert.Equal(t, createsBefore, creates, "supervisor must not recreate an always-policy container")
	assert.Equal(t, removesBefore, removes, "supervisor must not remove an always-policy container")
	select {
	case ev := <-events:
		t.Fatalf("unexpected exit event for %s", ev.Service)
	default:
	}
}

func TestSuperviseReportsOnFailureCleanExit(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	top := threeTier()
	top.Services = top.Services[:1] // db only
	top.Services[0].RestartPolicy = models.RestartOnFailure

	_, err := e.Reconcile(context.Background(), top)
	require.NoError(t, err)

	events := make(chan ExitEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Supervise(ctx, events)

	time.Sleep(50 * time.Millisecond)
	rt.exit(t, "db", 0)

	// A clean exit under on-failure is not restarted by the runtime, so
	// the supervisor reports it.
	select {
	case ev := <-events:
		assert.Equal(t, "db", ev.Service)
		assert.Zero(t, ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an exit event for the cleanly exited on-failure container")
	}
}

func TestSuperviseLeavesNeverPolicyStopped(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	top := threeTier()
	top.Services[0].RestartPolicy = models.RestartNever
	top.Services[0].DependsOn = nil
	top.Services = top.Services[:1] // db only

	_, err := e.Reconcile(context.Background(), top)
	require.NoError(t, err)
	_, createsBefore, _, _ := rt.counts()

	events := make(chan ExitEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Supervise(ctx, events)

	time.Sleep(50 * time.Millisecond)
	rt.exit(t, "db", 1)

	select {
	case ev := <-events:
		assert.Equal(t, "db", ev.Service)
		assert.Equal(t, 1, ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an exit event for the never-policy container")
	}

	time.Sleep(50 * time.Millisecond)
	_, creates, _, _ := rt.counts()
	assert.Equal(t, createsBefore, creates, "never-policy container must stay stopped")
}

func TestPruneVolumesIsExplicit(t *testing.T) {
	rt := newFakeRuntime()
	e := NewEngine(rt, nil, nil)

	top := threeTier()
	_, err := e.Reconcile(context.Background(), top)
	require.NoError(t, err)
	assert.True(t, rt.volumes["dbdata"])

	// Reconciling again never destroys volumes.
	_, err = e.Reconcile(context.Background(), top)
	require.NoError(t, err)
	assert.True(t, rt.volumes["dbdata"])

	require.NoError(t, e.PruneVolumes(context.Background(), top))
	assert.False(t, rt.volumes["dbdata"])
}
