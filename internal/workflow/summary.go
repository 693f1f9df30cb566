package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/metrics"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/notifications"
)

const (
	serviceName   = "launchsentry"
	notifyTimeout = 30 * time.Second
)

// exhaustionSuggestions are printed when the attempt budget runs out.
var exhaustionSuggestions = []string{
	"Try a different availability zone",
	"Reduce the requested OCPUs or memory",
	"Try a different flavor",
	"Run again during off-peak hours",
}

var (
	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2).
			MarginTop(1)

	summaryTitle = lipgloss.NewStyle().Bold(true)
)

// reporter handles everything that happens once a run reaches a terminal state.
type reporter struct {
	logger      *slog.Logger
	out         io.Writer
	metrics     *metrics.Recorder
	notifier    Notifier
	template    cloud.LaunchRequest
	maxAttempts int
}

func (r *reporter) report(ctx context.Context, res Result) {
	r.logger.Info("Launch run finished",
		"state", res.State.String(),
		"outcome", res.Kind.String(),
		"exit_code", res.ExitCode,
		"attempts", res.Attempts,
		"sleeps", res.Sleeps,
		"elapsed", formatElapsed(res.Elapsed))

	r.metrics.ObserveResult(res.ExitCode, res.Elapsed)

	if r.out != nil {
		fmt.Fprintln(r.out, renderSummary(res, r.template, r.maxAttempts))
	}

	if r.notifier == nil {
		return
	}

	// The run context may already be cancelled on interrupt.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := r.notifier.Notify(notifyCtx, r.outcome(res)); err != nil {
		r.logger.Error("Failed to send run notification", "error", err)
	}
}

func (r *reporter) outcome(res Result) notifications.RunOutcome {
	o := notifications.RunOutcome{
		Service:        serviceName,
		RunID:          r.template.RunID,
		State:          res.State.String(),
		ExitCode:       res.ExitCode,
		Attempts:       res.Attempts,
		MaxAttempts:    r.maxAttempts,
		ElapsedSeconds: math.Round(res.Elapsed.Seconds()),
		Zone:           r.template.AvailabilityZone,
		Shape:          r.template.Shape,
		InstanceID:     res.Instance.ID,
		InstanceName:   res.Instance.DisplayName,
		LifecycleState: res.Instance.LifecycleState,
		PublicIP:       res.Instance.PublicIP,
		Message:        summaryHeadline(res),
	}

	var serviceErr *cloud.ServiceError
	if errors.As(res.Err, &serviceErr) {
		o.ErrorStatus = serviceErr.Status
		o.ErrorCode = serviceErr.Code
		o.Message = serviceErr.Message
	} else if res.Err != nil && res.State == StateFailed {
		o.Message = res.Err.Error()
	}
	return o
}

func summaryHeadline(res Result) string {
	switch res.State {
	case StateSucceeded:
		return "SUCCESS: instance launch accepted"
	case StateInterrupted:
		return "INTERRUPTED BY USER"
	case StateExhausted:
		return "RETRIES EXHAUSTED"
	}

	if res.Stage == "config" {
		return "CONFIGURATION ERROR"
	}
	switch res.Kind {
	case cloud.OutcomeAuthError:
		return "AUTHORIZATION ERROR"
	case cloud.OutcomeNotFound:
		return "RESOURCE NOT FOUND"
	case cloud.OutcomeServiceError:
		return "SERVICE ERROR"
	default:
		return "UNEXPECTED ERROR"
	}
}

func summaryColor(s State) lipgloss.Color {
	switch s {
	case StateSucceeded:
		return lipgloss.Color("42")
	case StateInterrupted:
		return lipgloss.Color("214")
	default:
		return lipgloss.Color("196")
	}
}

// renderSummary builds the block printed after a run.
func renderSummary(res Result, tmpl cloud.LaunchRequest, maxAttempts int) string {
	var b strings.Builder

	b.WriteString(summaryTitle.Render(summaryHeadline(res)))
	b.WriteString("\n\n")

	row := func(k string, v any) {
		fmt.Fprintf(&b, "%-18s %v\n", k+":", v)
	}

	row("Run ID", tmpl.RunID)
	// Without a loaded configuration there is no launch target to describe.
	if maxAttempts > 0 {
		row("Attempts", fmt.Sprintf("%d/%d", res.Attempts, maxAttempts))
		row("Elapsed", formatElapsed(res.Elapsed))
	}
	if tmpl.Shape != "" {
		row("Availability zone", tmpl.AvailabilityZone)
		row("Shape", fmt.Sprintf("%s (%d OCPUs, %d GB)", tmpl.Shape, tmpl.OCPUs, tmpl.MemoryGB))
	}

	if res.State == StateSucceeded {
		row("Instance ID", res.Instance.ID)
		row("Name", res.Instance.DisplayName)
		row("Lifecycle state", res.Instance.LifecycleState)
		if res.Instance.PublicIP != "" {
			row("Public IP", res.Instance.PublicIP)
		}
	}

	var serviceErr *cloud.ServiceError
	switch {
	case errors.As(res.Err, &serviceErr):
		row("Status", serviceErr.Status)
		row("Code", serviceErr.Code)
		row("Message", serviceErr.Message)
		if serviceErr.RequestID != "" {
			row("Request ID", serviceErr.RequestID)
		}
	case res.Err != nil && res.State == StateFailed:
		row("Error", res.Err.Error())
	}

	if res.State == StateExhausted {
		b.WriteString("\nSuggestions:\n")
		for _, s := range exhaustionSuggestions {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}

	return summaryStyle.
		BorderForeground(summaryColor(res.State)).
		Render(strings.TrimRight(b.String(), "\n"))
}

func formatElapsed(d time.Duration) string {
	return d.Round(time.Second).String()
}

func roundMinutes(d time.Duration) float64 {
	return math.Round(d.Minutes()*10) / 10
}
