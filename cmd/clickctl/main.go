package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"
)

// version is stamped via -ldflags at release build time.
var version = "dev"

var (
	ctlAddr  string
	ctlToken string
	logLines int
	interval string

	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "addr, a",
			Usage:       "control endpoint of the clickd daemon",
			Value:       "http://127.0.0.1:8419",
			EnvVar:      "CLICKD_ADDR",
			Destination: &ctlAddr,
		},
		cli.StringFlag{
			Name:        "token, t",
			Usage:       "bearer token for the control endpoint",
			EnvVar:      "CLICKD_TOKEN",
			Destination: &ctlToken,
		},
	}
	logsFlags = []cli.Flag{
		cli.IntFlag{
			Name:        "lines, n",
			Usage:       "number of ring buffer lines to fetch",
			Value:       100,
			Destination: &logLines,
		},
	}
	startFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "interval, i",
			Usage:       "click interval, e.g. 5m or 90s (configured targets may omit it)",
			Destination: &interval,
		},
	}
)

func main() {
	app := cli.App{
		Name:      "clickctl",
		HelpName:  "clickctl",
		Usage:     "control a running clickd daemon",
		UsageText: "clickctl [--addr URL] [--token TOKEN] <command> [arguments...]",
		Version:   version,
		Flags:     globalFlags,
		Commands: []cli.Command{
			{
				Name:      "status",
				Aliases:   []string{"st"},
				Usage:     "show daemon status, or one target's status when an id is given",
				UsageText: "clickctl status [target-id]",
				Action:    status,
			},
			{
				Name:    "list",
				Aliases: []string{"ls", "l"},
				Usage:   "list all known targets with their timer state",
				Action:  list,
			},
			{
				Name:   "logs",
				Usage:  "fetch recent daemon log lines from the in-memory ring",
				Action: logs,
				Flags:  logsFlags,
			},
			{
				Name:      "start",
				Usage:     "start (or restart) the click timer for a target",
				UsageText: "clickctl start [--interval 5m] <target-id>",
				Action:    start,
				Flags:     startFlags,
			},
			{
				Name:      "stop",
				Usage:     "stop a target's click timer and forget its record",
				UsageText: "clickctl stop <target-id>",
				Action:    targetAction("target.stop", "stopped"),
			},
			{
				Name:      "pause",
				Aliases:   []string{"p"},
				Usage:     "pause a target's click timer, keeping the remaining time",
				UsageText: "clickctl pause <target-id>",
				Action:    targetAction("target.pause", "paused"),
			},
			{
				Name:      "resume",
				Aliases:   []string{"r"},
				Usage:     "resume a paused target's click timer",
				UsageText: "clickctl resume <target-id>",
				Action:    targetAction("target.resume", "resumed"),
			},
			{
				Name:      "run",
				Usage:     "fire a target's click once, right now",
				UsageText: "clickctl run <target-id>",
				Action:    targetAction("target.run", "triggered"),
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "clickctl:", err)
		os.Exit(1)
	}
}

func status(ctx *cli.Context) error {
	c := newClient(ctlAddr, ctlToken)
	if id := strings.TrimSpace(ctx.Args().First()); id != "" {
		t, err := c.TargetStatus(id)
		if err != nil {
			return err
		}
		printTarget(t)
		return nil
	}
	s, err := c.SystemStatus()
	if err != nil {
		return err
	}
	printSystem(s)
	return nil
}

func list(_ *cli.Context) error {
	r, err := newClient(ctlAddr, ctlToken).List()
	if err != nil {
		return err
	}
	printTargets(r.Targets)
	return nil
}

func logs(_ *cli.Context) error {
	r, err := newClient(ctlAddr, ctlToken).Logs(logLines)
	if err != nil {
		return err
	}
	if !r.Enabled {
		fmt.Println("clickctl: log ring is disabled; enable logging.ring in the daemon config")
		return nil
	}
	if len(r.Lines) == 0 {
		fmt.Println("clickctl: log ring is empty")
		return nil
	}
	for _, line := range r.Lines {
		fmt.Println(line)
	}
	return nil
}

func start(ctx *cli.Context) error {
	id := strings.TrimSpace(ctx.Args().First())
	if id == "" {
		return fmt.Errorf("target id required")
	}
	t, err := newClient(ctlAddr, ctlToken).Start(id, strings.TrimSpace(interval))
	if err != nil {
		return err
	}
	printAction("started", t)
	return nil
}

// targetAction builds the handler for the commands that just take an id.
func targetAction(method, verb string) func(*cli.Context) error {
	return func(ctx *cli.Context) error {
		id := strings.TrimSpace(ctx.Args().First())
		if id == "" {
			return fmt.Errorf("target id required")
		}
		t, err := newClient(ctlAddr, ctlToken).target(method, id)
		if err != nil {
			return err
		}
		printAction(verb, t)
		return nil
	}
}
