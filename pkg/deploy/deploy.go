// Package deploy implements the deploy orchestrator: a single
// fixed-order pipeline — auth, pull, load configs, stop, start, prune —
// that ends in either a tagged success or a failure tagged with the
// step and service that failed. Only one deploy runs at a time; the
// orchestrator itself is the single-flight gate.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/ghosthands/pkg/engine"
	"github.com/cuemby/ghosthands/pkg/log"
	"github.com/cuemby/ghosthands/pkg/types"
)

// Step names one stage of the pipeline.
type Step string

const (
	StepECRAuth       Step = "ecr-auth"
	StepPullImage     Step = "pull-image"
	StepLoadConfigs   Step = "load-configs"
	StepStopServices  Step = "stop-services"
	StepStartServices Step = "start-services"
	StepPruneImages   Step = "prune-images"
)

const (
	stopGrace        = 30 * time.Second
	healthPollEvery  = 2 * time.Second
	healthProbeTimeout = 5 * time.Second
)

// Failure is a typed pipeline error: which step, and (if applicable)
// which service, was being processed when it happened.
type Failure struct {
	Step    Step
	Service string
	Err     error
}

func (f *Failure) Error() string {
	if f.Service != "" {
		return fmt.Sprintf("deploy: step %s, service %s: %v", f.Step, f.Service, f.Err)
	}
	return fmt.Sprintf("deploy: step %s: %v", f.Step, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is the tagged success outcome of one deploy.
type Result struct {
	Duration       time.Duration
	ImageTag       string
	BytesReclaimed int64
}

// RegistryAuth obtains a pull token for one registry/repo pair.
type RegistryAuth interface {
	Token(ctx context.Context, registry, repo string) (string, error)
}

// ConfigLoader materializes the set of services to manage for an
// environment.
type ConfigLoader interface {
	Load(ctx context.Context, env string) ([]types.ServiceDefinition, error)
}

// Orchestrator runs the deploy pipeline. It is safe for concurrent
// callers: Run rejects a second invocation while one is in flight.
type Orchestrator struct {
	Engine       engine.Engine
	Registry     RegistryAuth
	ConfigLoader ConfigLoader
	HTTP         *http.Client

	RegistryHost string
	Repo         string
	Environment  string

	mu          sync.Mutex
	running     bool
	currentStep Step
}

// New builds an Orchestrator.
func New(eng engine.Engine, reg RegistryAuth, cfg ConfigLoader, registryHost, repo, env string) *Orchestrator {
	return &Orchestrator{
		Engine:       eng,
		Registry:     reg,
		ConfigLoader: cfg,
		HTTP:         &http.Client{},
		RegistryHost: registryHost,
		Repo:         repo,
		Environment:  env,
	}
}

// ErrInFlight is returned when a deploy is requested while another is
// already running.
var ErrInFlight = fmt.Errorf("deploy: a deploy is already in progress")

// InFlightStep reports the step of the currently running deploy, if any.
func (o *Orchestrator) InFlightStep() (Step, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentStep, o.running
}

func (o *Orchestrator) setStep(s Step) {
	o.mu.Lock()
	o.currentStep = s
	o.mu.Unlock()
}

// Run executes the full pipeline for imageTag. onLine, if non-nil,
// receives a log line per notable event (wired to the log bus by
// callers).
func (o *Orchestrator) Run(ctx context.Context, imageTag string, onLine func(string)) (Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return Result{}, ErrInFlight
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.currentStep = ""
		o.mu.Unlock()
	}()

	logger := log.WithComponent("deploy")
	logLine := func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		logger.Info().Msg(line)
		if onLine != nil {
			onLine(line)
		}
	}

	start := time.Now()

	o.setStep(StepECRAuth)
	token, err := o.Registry.Token(ctx, o.RegistryHost, o.Repo)
	if err != nil {
		return Result{}, &Failure{Step: StepECRAuth, Err: err}
	}

	o.setStep(StepPullImage)
	image := fmt.Sprintf("%s/%s:%s", o.RegistryHost, o.Repo, imageTag)
	logLine("Pulling %s", image)
	if err := o.Engine.PullImage(ctx, image, imageTag, token); err != nil {
		return Result{}, &Failure{Step: StepPullImage, Err: err}
	}

	o.setStep(StepLoadConfigs)
	services, err := o.ConfigLoader.Load(ctx, o.Environment)
	if err != nil {
		return Result{}, &Failure{Step: StepLoadConfigs, Err: err}
	}

	o.setStep(StepStopServices)
	if err := o.stopServices(ctx, services, logLine); err != nil {
		return Result{}, err
	}

	o.setStep(StepStartServices)
	if err := o.startServices(ctx, services, image, logLine); err != nil {
		return Result{}, err
	}

	o.setStep(StepPruneImages)
	reclaimed, err := o.Engine.PruneImages(ctx)
	if err != nil {
		logLine("prune-images: %v (non-fatal)", err)
		reclaimed = 0
	}

	return Result{
		Duration:       time.Since(start),
		ImageTag:       imageTag,
		BytesReclaimed: reclaimed,
	}, nil
}

func byStopOrder(services []types.ServiceDefinition) []types.ServiceDefinition {
	out := make([]types.ServiceDefinition, len(services))
	copy(out, services)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StopOrder < out[j].StopOrder })
	return out
}

func byStartOrder(services []types.ServiceDefinition) []types.ServiceDefinition {
	out := make([]types.ServiceDefinition, len(services))
	copy(out, services)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartOrder < out[j].StartOrder })
	return out
}

func matchesContainer(containerID, serviceName string) bool {
	return containerID == serviceName || strings.HasPrefix(containerID, serviceName+"-")
}

func (o *Orchestrator) stopServices(ctx context.Context, services []types.ServiceDefinition, logLine func(string, ...any)) error {
	containers, err := o.Engine.ListContainers(ctx, true)
	if err != nil {
		return &Failure{Step: StepStopServices, Err: err}
	}

	for _, svc := range byStopOrder(services) {
		if svc.SkipOnSelfUpdate {
			logLine("skipping %s (self-update)", svc.Name)
			continue
		}

		for _, c := range containers {
			if !matchesContainer(c.ID, svc.Name) {
				continue
			}

			if c.Running && svc.Drain != nil {
				if err := postDrain(ctx, o.HTTP, svc.Drain.URL, svc.Drain.Timeout); err != nil {
					logLine("drain %s failed (non-fatal): %v", svc.Name, err)
				}
			}

			if c.Running {
				if err := o.Engine.StopContainer(ctx, c.ID, stopGrace); err != nil {
					return &Failure{Step: StepStopServices, Service: svc.Name, Err: err}
				}
			}
			if err := o.Engine.RemoveContainer(ctx, c.ID); err != nil {
				return &Failure{Step: StepStopServices, Service: svc.Name, Err: err}
			}
			logLine("stopped %s", svc.Name)
		}
	}
	return nil
}

func (o *Orchestrator) startServices(ctx context.Context, services []types.ServiceDefinition, image string, logLine func(string, ...any)) error {
	for _, svc := range byStartOrder(services) {
		if svc.SkipOnSelfUpdate {
			continue
		}

		env := make([]string, 0, len(svc.Env))
		for k, v := range svc.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)

		spec := engine.CreateSpec{
			Name:        svc.Name,
			Image:       image,
			Command:     svc.Command,
			Env:         env,
			HostNetwork: svc.HostNetwork,
			Labels:      svc.Labels,
		}
		id, err := o.Engine.CreateContainer(ctx, spec)
		if err != nil {
			return &Failure{Step: StepStartServices, Service: svc.Name, Err: err}
		}
		if err := o.Engine.StartContainer(ctx, id); err != nil {
			return &Failure{Step: StepStartServices, Service: svc.Name, Err: err}
		}
		logLine("started %s", svc.Name)

		if svc.Health != nil {
			if err := pollHealth(ctx, o.HTTP, svc.Health.URL, svc.Health.Timeout); err != nil {
				return &Failure{Step: StepStartServices, Service: svc.Name, Err: err}
			}
			logLine("%s healthy", svc.Name)
		}
	}
	return nil
}

func postDrain(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("drain %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func pollHealth(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		if err == nil {
			resp, doErr := client.Do(req)
			if doErr == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					cancel()
					return nil
				}
			}
		}
		cancel()

		if time.Now().After(deadline) {
			return fmt.Errorf("health check timed out: %s", url)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollEvery):
		}
	}
}
