package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var (
	configPath string
	numTasks   int
	numDelayed int
)

var flags = []cli.Flag{
	cli.StringFlag{
		Name:        "config, c",
		Usage:       "path to a YAML config file",
		EnvVar:      "IDLESCHED_CONFIG",
		Value:       "config.yml",
		Destination: &configPath,
	},
	cli.IntFlag{
		Name:        "tasks, t",
		Usage:       "number of immediate idle jobs to post (overrides demo.tasks)",
		Destination: &numTasks,
	},
	cli.IntFlag{
		Name:        "delayed, d",
		Usage:       "number of delayed idle jobs to post (overrides demo.delayed)",
		Destination: &numDelayed,
	},
	cli.DurationFlag{
		Name:  "duration",
		Usage: "how long to run the loop (overrides demo.duration_ms)",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "idlesched"
	app.HelpName = "idlesched"
	app.Usage = "run a demo workload through the idle task runner"
	app.Flags = flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
