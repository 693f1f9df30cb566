package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/config"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/workflow"
)

func newLaunchCommand(settings *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:     "launch",
		GroupID: "launchsentry",
		Short:   "Launch the configured instance, retrying while capacity is exhausted",
		Long: `Authenticates with the selected cloud profile, resolves the flavor and network,
then submits the launch request until it is accepted, a non-retryable error occurs,
the attempt budget runs out or the run is interrupted.

Exit codes: 0 success, 1 failure or exhaustion, 130 interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd, settings, *configFile)
		},
	}
}

func runLaunch(cmd *cobra.Command, settings *viper.Viper, configFile string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("LaunchSentry - Instance Launch"))

	cfg, err := loadConfig(settings, configFile)
	if err != nil {
		return configFailure(cmd, settings, err)
	}

	res := workflow.RunLaunchWorkflow(cmd.Context(), cfg, out)
	if res.ExitCode != workflow.ExitSuccess {
		return &ExitError{Code: res.ExitCode, Err: res.Err}
	}
	return nil
}

// loadConfig loads and validates the layered configuration and points clientconfig at
// the selected clouds.yaml for the rest of the process.
func loadConfig(settings *viper.Viper, configFile string) (config.Config, error) {
	cfg, err := config.Load(settings, configFile)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.CloudsFile != "" {
		if err := os.Setenv("OS_CLIENT_CONFIG_FILE", cfg.CloudsFile); err != nil {
			return config.Config{}, fmt.Errorf("failed to select clouds file: %w", err)
		}
	}
	return cfg, nil
}

// configFailure logs and summarizes a configuration error. Load registers the
// defaults before it can fail, so log_file and cloud resolve even then.
func configFailure(cmd *cobra.Command, settings *viper.Viper, err error) error {
	res := workflow.ReportConfigFailure(cmd.Context(), err, cmd.OutOrStdout(),
		settings.GetString("log_file"), settings.GetString("cloud"))
	return &ExitError{Code: res.ExitCode, Err: err}
}
