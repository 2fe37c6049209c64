// Package cmd wires the urfave/cli command tree for the job runner.
package cmd

import "github.com/urfave/cli/v2"

// Commands is the full command tree exposed by main.
var Commands = []*cli.Command{
	RunCommand,
}
