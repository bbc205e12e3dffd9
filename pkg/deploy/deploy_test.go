package deploy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ghosthands/pkg/engine"
	"github.com/cuemby/ghosthands/pkg/types"
)

type fakeEngine struct {
	containers []engine.ContainerInfo
	created    []engine.CreateSpec
	started    []string
	stopped    []string
	removed    []string
	failStop   string
}

func (f *fakeEngine) PullImage(ctx context.Context, image, tag, token string) error { return nil }

func (f *fakeEngine) CreateContainer(ctx context.Context, spec engine.CreateSpec) (string, error) {
	f.created = append(f.created, spec)
	return spec.Name, nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	if id == f.failStop {
		return assert.AnError
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) ListContainers(ctx context.Context, includeNonRunning bool) ([]engine.ContainerInfo, error) {
	return f.containers, nil
}

func (f *fakeEngine) PruneImages(ctx context.Context) (int64, error) { return 1024, nil }

func (f *fakeEngine) Close() error { return nil }

type fakeRegistry struct{}

func (fakeRegistry) Token(ctx context.Context, registry, repo string) (string, error) {
	return "tok", nil
}

type fakeConfigLoader struct{ services []types.ServiceDefinition }

func (f fakeConfigLoader) Load(ctx context.Context, env string) ([]types.ServiceDefinition, error) {
	return f.services, nil
}

func TestRun_HappyPath(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hs.Close()

	eng := &fakeEngine{containers: []engine.ContainerInfo{{ID: "web", Running: true}}}
	services := []types.ServiceDefinition{
		{Name: "web", StartOrder: 1, StopOrder: 1, Health: &types.HealthCheck{URL: hs.URL, Timeout: time.Second}},
	}
	o := New(eng, fakeRegistry{}, fakeConfigLoader{services: services}, "registry.example.com", "repo", "production")

	result, err := o.Run(context.Background(), "v2", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", result.ImageTag)
	assert.Equal(t, int64(1024), result.BytesReclaimed)
	assert.Contains(t, eng.stopped, "web")
	assert.Contains(t, eng.removed, "web")
	assert.Contains(t, eng.started, "web")
}

func TestRun_StopFailureIsFatalAndTagged(t *testing.T) {
	eng := &fakeEngine{containers: []engine.ContainerInfo{{ID: "web", Running: true}}, failStop: "web"}
	services := []types.ServiceDefinition{{Name: "web", StartOrder: 1, StopOrder: 1}}
	o := New(eng, fakeRegistry{}, fakeConfigLoader{services: services}, "registry.example.com", "repo", "production")

	_, err := o.Run(context.Background(), "v2", nil)
	require.Error(t, err)
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StepStopServices, failure.Step)
	assert.Equal(t, "web", failure.Service)
}

func TestRun_SkipsSelfUpdateServices(t *testing.T) {
	eng := &fakeEngine{containers: []engine.ContainerInfo{{ID: "deploy-agent", Running: true}}}
	services := []types.ServiceDefinition{{Name: "deploy-agent", SkipOnSelfUpdate: true, StartOrder: 1, StopOrder: 1}}
	o := New(eng, fakeRegistry{}, fakeConfigLoader{services: services}, "registry.example.com", "repo", "production")

	_, err := o.Run(context.Background(), "v2", nil)
	require.NoError(t, err)
	assert.Empty(t, eng.stopped)
	assert.Empty(t, eng.started)
}

func TestRun_RejectsConcurrentDeploys(t *testing.T) {
	eng := &fakeEngine{}
	o := New(eng, fakeRegistry{}, fakeConfigLoader{}, "registry.example.com", "repo", "production")
	o.running = true

	_, err := o.Run(context.Background(), "v2", nil)
	assert.ErrorIs(t, err, ErrInFlight)
}
