package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/flare152/flare/logger"
	"github.com/flare152/flare/metrics"
)

const (
	versionText = "Print the version"
)

var (
	Version   = "DEV"
	BuildTime = "unknown"
	// Mostly network errors that we don't want reported back to Sentry, this is done by substring match.
	ignoredErrors = []string{
		"connection reset by peer",
		"use of closed network connection",
		"use of closed connection",
		"context canceled",
		"http: Server closed",
	}
)

func main() {
	metrics.RegisterBuildInfo(BuildTime, Version)
	raven.SetRelease(Version)

	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v", "V"},
		Usage:   versionText,
	}

	app := &cli.App{}
	app.Name = "flare"
	app.Usage = "Real-time messaging fabric server and tooling"
	app.UsageText = "flare [global options] [command] [command options]"
	app.Copyright = fmt.Sprintf("(c) %d flare authors", time.Now().Year())
	app.Version = fmt.Sprintf("%s (built %s)", Version, BuildTime)
	app.Description = `flare runs the messaging fabric: it accepts websocket and QUIC connections,
	authenticates them, dispatches their commands and keeps the instance
	registered in service discovery.`
	app.Flags = flags()
	app.Commands = commands(cli.ShowVersion)

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commands(version func(c *cli.Context)) []*cli.Command {
	cmds := []*cli.Command{
		{
			Name: "version",
			Action: func(c *cli.Context) (err error) {
				version(c)
				return nil
			},
			Usage:       versionText,
			Description: versionText,
		},
	}
	cmds = append(cmds, serverCommand())
	return cmds
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Specifies a config file in YAML format.",
		},
		&cli.StringFlag{
			Name:  logger.LogLevelFlag,
			Value: "info",
			Usage: "Application logging level {debug, info, warn, error, fatal}.",
		},
		&cli.StringFlag{
			Name:  logger.LogFileFlag,
			Usage: "Save application log to this file. Incompatible with --" + logger.LogDirectoryFlag + ".",
		},
		&cli.StringFlag{
			Name:  logger.LogDirectoryFlag,
			Usage: "Save application log to this directory, with rotation.",
		},
		&cli.StringFlag{
			Name:  logger.LogFormatFlag,
			Value: "console",
			Usage: "Application log format {console, json}.",
		},
	}
}

// In order to keep the amount of noise sent to Sentry low, typical network errors can be filtered out here by a substring match.
func handleError(err error) {
	errorMessage := err.Error()
	for _, ignoredErrorMessage := range ignoredErrors {
		if strings.Contains(errorMessage, ignoredErrorMessage) {
			return
		}
	}
	raven.CaptureError(err, nil)
}
