package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		// ExitError means the run summary was already printed.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.ExitCode(err))
	}
}
