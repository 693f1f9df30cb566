package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/logging"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/metrics"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/notifications"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/policy"
)

// Launcher submits a single launch attempt.
type Launcher interface {
	LaunchInstance(ctx context.Context, req cloud.LaunchRequest) (cloud.Instance, error)
}

// Notifier is told about the terminal outcome of a run.
type Notifier interface {
	Notify(ctx context.Context, outcome notifications.RunOutcome) error
}

// ControllerOptions wires the collaborators of a Controller. Launcher, Backoff and
// MaxAttempts are required; the rest default to no-ops, the real clock and stdout.
type ControllerOptions struct {
	Launcher    Launcher
	Template    cloud.LaunchRequest
	Backoff     policy.Backoff
	MaxAttempts int

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Notifier Notifier
	Output   io.Writer
}

// Result describes how a run ended.
type Result struct {
	State    State
	Kind     cloud.OutcomeKind
	Stage    string
	ExitCode int
	Attempts int
	Sleeps   int
	Elapsed  time.Duration
	Instance cloud.Instance
	Err      error
}

// Controller owns the attempt loop. It is single-use: call Run once.
type Controller struct {
	launcher    Launcher
	template    cloud.LaunchRequest
	backoff     policy.Backoff
	maxAttempts int
	clock       clockwork.Clock
	logger      *slog.Logger
	state       State
	reporter    *reporter
}

// NewController builds a controller from opts.
func NewController(opts ControllerOptions) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Controller{
		launcher:    opts.Launcher,
		template:    opts.Template,
		backoff:     opts.Backoff,
		maxAttempts: opts.MaxAttempts,
		clock:       clock,
		logger:      logger,
		state:       StateIdle,
		reporter: &reporter{
			logger:      logger,
			out:         opts.Output,
			metrics:     opts.Metrics,
			notifier:    opts.Notifier,
			template:    opts.Template,
			maxAttempts: opts.MaxAttempts,
		},
	}
}

// Run attempts the launch until it succeeds, fails terminally, is interrupted through
// ctx, or MaxAttempts is reached. Capacity errors are absorbed with a backoff sleep.
func (c *Controller) Run(ctx context.Context) Result {
	start := c.clock.Now()
	attempt := 0
	sleeps := 0

	finish := func(res Result) Result {
		c.transition(res.State)
		res.Stage = "launch"
		res.Attempts = attempt
		res.Sleeps = sleeps
		res.Elapsed = c.clock.Since(start)
		res.ExitCode = res.State.ExitCode()
		c.reporter.report(ctx, res)
		return res
	}

	c.logger.Info("Starting launch run",
		"availability_zone", c.template.AvailabilityZone,
		"shape", c.template.Shape,
		"ocpus", c.template.OCPUs,
		"memory_gb", c.template.MemoryGB,
		"max_attempts", c.maxAttempts)

	for {
		if ctx.Err() != nil {
			c.logger.Warn("Launch run interrupted by user",
				"attempts", attempt,
				"elapsed", formatElapsed(c.clock.Since(start)))
			return finish(Result{State: StateInterrupted, Err: ctx.Err()})
		}

		if attempt >= c.maxAttempts {
			c.logger.Error("Retry budget exhausted without capacity",
				"attempts", attempt,
				"elapsed", formatElapsed(c.clock.Since(start)))
			return finish(Result{State: StateExhausted})
		}

		attempt++
		c.transition(StateAttempting)

		// Value copy: every attempt submits an identical payload.
		req := c.template

		attemptLog := c.logger.With("attempt", attempt, "max_attempts", c.maxAttempts)
		attemptLog.Info("Attempting to launch instance", "payload_fingerprint", req.Fingerprint())

		instance, err := c.launcher.LaunchInstance(ctx, req)
		if err != nil && ctx.Err() != nil {
			attemptLog.Warn("Launch attempt interrupted", "error", err)
			return finish(Result{State: StateInterrupted, Err: ctx.Err()})
		}

		outcome := classifyAttempt(instance, err)
		c.reporter.metrics.ObserveAttempt(outcome.Kind.String())

		switch outcome.Kind {
		case cloud.OutcomeSuccess:
			attemptLog.Info("SUCCESS! Instance launch request accepted",
				"instance_id", instance.ID,
				"display_name", instance.DisplayName,
				"shape", instance.Shape,
				"lifecycle_state", instance.LifecycleState,
				"elapsed", formatElapsed(c.clock.Since(start)))
			return finish(Result{State: StateSucceeded, Kind: outcome.Kind, Instance: instance})

		case cloud.OutcomeCapacityExhausted:
			wait := c.backoff.Next(attempt)
			attemptLog.Warn("Out of capacity; retrying after backoff",
				"availability_zone", req.AvailabilityZone,
				"wait_seconds", int(wait.Duration/time.Second),
				"wait_minutes", roundMinutes(wait.Duration),
				"band", wait.Band,
				"error", err)

			c.transition(StateWaiting)
			sleeps++
			c.reporter.metrics.ObserveSleep(string(wait.Band), wait.Duration)
			c.sleep(ctx, wait.Duration)

		default:
			logTerminalError(attemptLog, outcome)
			return finish(Result{State: StateFailed, Kind: outcome.Kind, Err: err})
		}
	}
}

// State returns the current state of the controller.
func (c *Controller) State() State {
	return c.state
}

// sleep blocks for d or until ctx is cancelled. Cancellation is picked up at the top
// of the loop.
func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-c.clock.After(d):
	case <-ctx.Done():
	}
}

func (c *Controller) transition(next State) {
	if c.state == next {
		return
	}
	c.logger.Debug("State transition", "from", c.state.String(), "to", next.String())
	c.state = next
}

// classifyAttempt turns the launcher's return values into an outcome. Only
// *cloud.ServiceError is classified; any other error is unexpected and never retried.
func classifyAttempt(instance cloud.Instance, err error) cloud.Outcome {
	if err == nil {
		return cloud.Outcome{Kind: cloud.OutcomeSuccess, Instance: instance}
	}

	var serviceErr *cloud.ServiceError
	if errors.As(err, &serviceErr) {
		return cloud.Outcome{Kind: policy.Classify(serviceErr), Err: err}
	}
	return cloud.Outcome{Kind: cloud.OutcomeUnexpected, Err: err}
}

func logTerminalError(logger *slog.Logger, outcome cloud.Outcome) {
	var serviceErr *cloud.ServiceError
	if !errors.As(outcome.Err, &serviceErr) {
		logger.Error("A fatal error occurred; not retrying unknown failures", "error", outcome.Err)
		return
	}

	attrs := []any{
		"status", serviceErr.Status,
		"code", serviceErr.Code,
		"message", serviceErr.Message,
		"request_id", serviceErr.RequestID,
	}

	switch outcome.Kind {
	case cloud.OutcomeAuthError:
		logger.Error("Authentication or authorization failed; check credentials and policies", attrs...)
	case cloud.OutcomeNotFound:
		logger.Error("Resource not found; check the configured identifiers", attrs...)
	default:
		logger.Error("Unexpected API error; terminating", attrs...)
	}
}
