package workflow

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud/openstack"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/config"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/logging"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/metrics"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/notifications"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/policy"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/runlock"
)

// NewRunID returns the correlation ID attached to every log line of a run.
func NewRunID() string {
	return "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// RunLaunchWorkflow drives one launch run end to end.
//
// Responsibilities:
//  1. Logging: console plus the append-only debug file, tagged with the run ID.
//  2. Provider check: the clouds.yaml profile must exist and match the project.
//  3. Locking: only one run per lock file may be active on a host.
//  4. Connection: authenticates and resolves the flavor and network once.
//  5. Retry loop: hands over to the Controller until a terminal state.
//  6. Metrics: optionally writes a node_exporter textfile.
//
// The returned Result carries the process exit code.
func RunLaunchWorkflow(ctx context.Context, cfg config.Config, out io.Writer) Result {
	// 1. Initialize Structured Logger
	runID := NewRunID()
	logger, closeLog := logging.Setup(logging.Options{
		Level:        cfg.LogLevel,
		File:         cfg.LogFile,
		CloudProfile: cfg.Cloud,
		RunID:        runID,
		Console:      out,
	})
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	var recorder *metrics.Recorder
	if cfg.MetricsFile != "" {
		recorder = metrics.NewRecorder()
		defer func() {
			if err := recorder.WriteTextfile(cfg.MetricsFile); err != nil {
				logger.Error("Failed to write metrics textfile", "path", cfg.MetricsFile, "error", err)
			}
		}()
	}

	var notifier Notifier
	if cfg.WebhookURL != "" {
		notifier = &notifications.Webhook{
			URL:      cfg.WebhookURL,
			Username: cfg.WebhookUsername,
			Password: cfg.WebhookPassword,
		}
	}

	template := cfg.LaunchRequest(runID)
	rep := &reporter{
		logger:      logger,
		out:         out,
		metrics:     recorder,
		notifier:    notifier,
		template:    template,
		maxAttempts: cfg.MaxAttempts,
	}

	logger.Info("Initializing launch workflow",
		"project_id", cfg.ProjectID,
		"image_id", cfg.ImageID,
		"subnet_id", cfg.SubnetID,
		"log_file", cfg.LogFile)

	// 2. Validate the provider profile
	profile, err := config.ValidateProvider(cfg)
	if err != nil {
		logger.Error("Cloud provider configuration is invalid", "error", err)
		return setupFailure(ctx, rep, "config", err)
	}
	logger.Debug("Cloud profile loaded", "auth_url", profile.AuthInfo.AuthURL, "region", profile.RegionName)

	// 3. Single-run lock
	release, err := runlock.Acquire(cfg.LockFile)
	if err != nil {
		logger.Error("Could not acquire run lock", "path", cfg.LockFile, "error", err)
		return setupFailure(ctx, rep, "config", err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("Failed to release run lock", "path", cfg.LockFile, "error", err)
		}
	}()

	// 4. Initialize OpenStack Client
	// Retries here cover transient failures of authentication and lookups only.
	ostk := openstack.Client{
		ProfileName: cfg.Cloud,
		RetryConfig: cloud.RetryConfig{
			MaxRetries:       3,
			BaseDelay:        2 * time.Second,
			MaxDelay:         10 * time.Second,
			OperationTimeout: 30 * time.Second,
		},
	}

	logger.Debug("Attempting to connect to OpenStack", "profile", cfg.Cloud)
	if err := ostk.NewClient(ctx); err != nil {
		logger.Error("OpenStack client initialization failed", "error", err)
		return setupFailure(ctx, rep, "setup", err)
	}

	launcher, err := ostk.PrepareLaunch(ctx, template, openstack.LaunchOptions{
		WaitForActive: cfg.WaitForActive,
		BuildTimeout:  cfg.BuildTimeout,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("Failed to prepare launch", "error", err)
		return setupFailure(ctx, rep, "setup", err)
	}

	// 5. Retry loop
	short, long := cfg.Bands()
	backoff, err := policy.NewTwoBandBackoff(short, long, cfg.ShortWaitProbability, nil)
	if err != nil {
		logger.Error("Invalid backoff configuration", "error", err)
		return setupFailure(ctx, rep, "config", err)
	}

	controller := NewController(ControllerOptions{
		Launcher:    launcher,
		Template:    template,
		Backoff:     backoff,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
		Metrics:     recorder,
		Notifier:    notifier,
		Output:      out,
	})

	return controller.Run(ctx)
}

// setupFailure reports a run that ended before the first launch attempt.
func setupFailure(ctx context.Context, rep *reporter, stage string, err error) Result {
	res := Result{
		State: StateFailed,
		Kind:  cloud.OutcomeUnexpected,
		Stage: stage,
		Err:   err,
	}

	switch {
	case ctx.Err() != nil:
		res.State = StateInterrupted
		res.Err = ctx.Err()
	case stage == "setup":
		res.Kind = classifyAttempt(cloud.Instance{}, err).Kind
		// Capacity-like statuses during setup are not launch capacity.
		if res.Kind == cloud.OutcomeCapacityExhausted {
			res.Kind = cloud.OutcomeServiceError
		}
	}

	res.ExitCode = res.State.ExitCode()
	rep.report(ctx, res)
	return res
}

// ReportConfigFailure handles a run whose configuration could not be loaded. The
// configured logging settings are unusable at that point, so the log goes to logFile
// at the default level.
func ReportConfigFailure(ctx context.Context, err error, out io.Writer, logFile, cloudProfile string) Result {
	runID := NewRunID()
	logger, closeLog := logging.Setup(logging.Options{
		Level:        config.DefaultLogLevel,
		File:         logFile,
		CloudProfile: cloudProfile,
		RunID:        runID,
		Console:      out,
	})
	defer func() { _ = closeLog() }()

	logger.Error("Configuration is invalid", "error", err)

	rep := &reporter{
		logger:   logger,
		out:      out,
		template: cloud.LaunchRequest{RunID: runID},
	}
	return setupFailure(ctx, rep, "config", err)
}
