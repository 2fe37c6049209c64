package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/kbase/job-runner-go/cmd"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:     "job-runner",
		Usage:    "Single-job container supervisor for the execution platform",
		Commands: cmd.Commands,
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
