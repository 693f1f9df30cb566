package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ExitError carries a non-zero process exit code out of a command. The terminal
// summary has already been printed when it is returned.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// flagBinding ties a CLI flag to its configuration key.
type flagBinding struct {
	flag string
	key  string
}

var boundFlags = []flagBinding{
	{"cloud", "cloud"},
	{"clouds-file", "clouds_file"},
	{"log-level", "log_level"},
	{"log-file", "log_file"},
	{"availability-zone", "availability_zone"},
	{"shape", "shape"},
	{"max-attempts", "max_attempts"},
	{"wait-for-active", "wait_for_active"},
	{"metrics-file", "metrics_file"},
	{"lock-file", "lock_file"},
	{"webhook-url", "webhook_url"},
	{"webhook-username", "webhook_username"},
	{"webhook-password", "webhook_password"},
}

// newRootCommand builds the command tree around a fresh viper instance.
func newRootCommand() *cobra.Command {
	settings := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:     "launchsentry-go",
		Aliases: []string{"launchsentry"},
		Short:   "LaunchSentry: OpenStack capacity-aware instance launcher",
		Long: `LaunchSentry keeps retrying a single instance launch while the cloud reports
that there is no capacity for the requested flavor. Every attempt submits the same
request; between attempts it sleeps for a randomized three to six minutes.

Running the root command is the same as running 'launch'.

Author: Aravindh Murugesan`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd, settings, configFile)
		},
	}

	root.AddGroup(&cobra.Group{ID: "launchsentry", Title: "LaunchSentry"})

	// Global persistent flags; each one overrides config file and env vars when set.
	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML/TOML/JSON config file")
	flags.String("cloud", "", "Name of the cloud profile as in clouds.yaml")
	flags.String("clouds-file", "", "Path to clouds.yaml (defaults to the standard search path)")
	flags.String("log-level", "", "Logging level (debug, info, warn, error)")
	flags.String("log-file", "", "Append-only debug log file")
	flags.String("availability-zone", "", "Availability zone to launch into")
	flags.String("shape", "", "Flavor name or ID")
	flags.Int("max-attempts", 0, "Maximum number of launch attempts")
	flags.Bool("wait-for-active", true, "Wait for the server to leave BUILD before reporting success")
	flags.String("metrics-file", "", "Write Prometheus metrics to this textfile on exit")
	flags.String("lock-file", "", "Lock file preventing concurrent runs")
	flags.String("webhook-url", "", "Webhook URL for run notifications")
	flags.String("webhook-username", "", "Webhook username for run notifications")
	flags.String("webhook-password", "", "Webhook password for run notifications")

	for _, b := range boundFlags {
		_ = settings.BindPFlag(b.key, flags.Lookup(b.flag))
	}

	root.AddCommand(
		newLaunchCommand(settings, &configFile),
		newCheckConfigCommand(settings, &configFile),
		newVersionCommand(),
	)
	return root
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the run context; a second signal
// falls through to the default handler and kills the process.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()
	}()

	return newRootCommand().ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
