package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/config"
)

func newCheckConfigCommand(settings *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:     "check-config",
		GroupID: "launchsentry",
		Short:   "Validate the configuration and cloud profile without launching",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headerStyle.Render("LaunchSentry - Configuration"))

			cfg, err := loadConfig(settings, *configFile)
			if err != nil {
				return configFailure(cmd, settings, err)
			}

			profile, err := config.ValidateProvider(cfg)
			if err != nil {
				return configFailure(cmd, settings, err)
			}

			var b strings.Builder
			row := func(k string, v any) { fmt.Fprintf(&b, "%-22s %v\n", k+":", v) }
			row("Cloud profile", cfg.Cloud)
			row("Auth URL", profile.AuthInfo.AuthURL)
			row("Project", cfg.ProjectID)
			row("Availability zone", cfg.AvailabilityZone)
			row("Image", cfg.ImageID)
			row("Subnet", cfg.SubnetID)
			row("Shape", fmt.Sprintf("%s (%d OCPUs, %d GB)", cfg.Shape, cfg.OCPUs, cfg.MemoryGB))
			row("Max attempts", cfg.MaxAttempts)
			row("Short wait", fmt.Sprintf("%s-%s (p=%.2f)", cfg.ShortWaitMin, cfg.ShortWaitMax, cfg.ShortWaitProbability))
			row("Long wait", fmt.Sprintf("%s-%s", cfg.LongWaitMin, cfg.LongWaitMax))
			row("Log file", cfg.LogFile)

			fmt.Fprintln(out, strings.TrimRight(b.String(), "\n"))
			return nil
		},
	}
}
