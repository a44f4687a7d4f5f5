package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/johndauphine/stack-migrate/internal/exitcodes"
	"github.com/johndauphine/stack-migrate/internal/logging"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func newApp() *cli.App {
	typeFlag := &cli.StringFlag{
		Name:     "type",
		Aliases:  []string{"t"},
		Required: true,
		Usage:    "Migration type (e.g. NODE, PRINCIPAL)",
	}
	saltFlag := &cli.StringFlag{
		Name:  "salt",
		Usage: "Checksum salt (default: delta.salt from config)",
	}
	waitFlag := &cli.BoolFlag{
		Name:  "wait",
		Usage: "Poll until the operation reaches a terminal state",
	}

	return &cli.App{
		Name:    "stackmigrate",
		Usage:   "Consistency checks, backup/restore and change-feed tracking between stacks",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.Int64Flag{
				Name:    "user",
				Aliases: []string{"u"},
				EnvVars: []string{"STACKMIGRATE_USER"},
				Usage:   "Id of the calling user; must be listed in auth.admins",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON results to stdout (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if _, err := logging.ParseFormat(c.String("log-format")); err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetFormat(c.String("log-format"))

			// Results own stdout when JSON output is enabled
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "types",
				Usage:  "List migration types in dependency order",
				Action: listTypes,
			},
			{
				Name:   "counts",
				Usage:  "Show row counts and id bounds per type",
				Action: typeCounts,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "type",
						Aliases: []string{"t"},
						Usage:   "Restrict to these types (default: all)",
					},
				},
			},
			{
				Name:   "checksum",
				Usage:  "Checksum every row of a type",
				Action: typeChecksum,
				Flags:  []cli.Flag{typeFlag, saltFlag},
			},
			{
				Name:   "range-checksum",
				Usage:  "Checksum the rows of a type within an id range",
				Action: rangeChecksum,
				Flags: []cli.Flag{
					typeFlag, saltFlag,
					&cli.Int64Flag{Name: "min", Required: true, Usage: "Lowest id, inclusive"},
					&cli.Int64Flag{Name: "max", Required: true, Usage: "Highest id, inclusive"},
				},
			},
			{
				Name:   "delta",
				Usage:  "List id ranges where source and target differ",
				Action: calculateDelta,
				Flags: []cli.Flag{
					typeFlag, saltFlag,
					&cli.Int64Flag{Name: "min", Usage: "Lowest id, inclusive (default: unbounded)"},
					&cli.Int64Flag{Name: "max", Usage: "Highest id, inclusive (default: unbounded)"},
					&cli.BoolFlag{Name: "fail-on-diff", Usage: "Exit with a validation error when the stacks differ"},
				},
			},
			{
				Name:   "backup",
				Usage:  "Back up rows of a type to the blob store",
				Action: startBackup,
				Flags: []cli.Flag{
					typeFlag, waitFlag,
					&cli.Int64SliceFlag{Name: "ids", Required: true, Usage: "Row ids to back up"},
				},
			},
			{
				Name:   "restore",
				Usage:  "Restore a backup artifact into the record store",
				Action: startRestore,
				Flags: []cli.Flag{
					typeFlag, waitFlag,
					&cli.StringFlag{Name: "artifact", Required: true, Usage: "Artifact name returned by backup"},
				},
			},
			{
				Name:   "status",
				Usage:  "Show a backup or restore status",
				Action: backupStatus,
				Flags: []cli.Flag{
					waitFlag,
					&cli.StringFlag{Name: "id", Required: true, Usage: "Backup or restore id"},
				},
			},
			{
				Name:  "job",
				Usage: "Run and inspect asynchronous jobs",
				Subcommands: []*cli.Command{
					{
						Name:   "start",
						Usage:  "Start a job from an enveloped JSON request ({\"kind\": ..., \"body\": ...})",
						Action: startJob,
						Flags: []cli.Flag{
							waitFlag,
							&cli.StringFlag{Name: "request", Aliases: []string{"r"}, Required: true, Usage: "Request file, or - for stdin"},
						},
					},
					{
						Name:   "status",
						Usage:  "Show a job's status and, once complete, its response",
						Action: jobStatus,
						Flags: []cli.Flag{
							waitFlag,
							&cli.StringFlag{Name: "id", Required: true, Usage: "Job id"},
						},
					},
					{
						Name:   "kinds",
						Usage:  "List request kinds",
						Action: jobKinds,
					},
				},
			},
			{
				Name:  "feed",
				Usage: "Track change messages per consumer queue",
				Subcommands: []*cli.Command{
					{
						Name:   "register",
						Usage:  "Record that a queue processed a change",
						Action: registerProcessed,
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "change", Required: true, Usage: "Change number"},
							&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Required: true, Usage: "Queue name"},
						},
					},
					{
						Name:   "unprocessed",
						Usage:  "List changes a queue has not processed",
						Action: listUnprocessed,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Required: true, Usage: "Queue name"},
							&cli.IntFlag{Name: "limit", Value: 100, Usage: "Maximum changes to list"},
						},
					},
					{
						Name:   "append",
						Usage:  "Append a change message",
						Action: appendChange,
						Flags: []cli.Flag{
							&cli.Int64Flag{Name: "object-id", Required: true, Usage: "Changed object id"},
							&cli.StringFlag{Name: "object-type", Required: true, Usage: "Changed object migration type"},
							&cli.StringFlag{Name: "change-type", Value: "UPDATE", Usage: "CREATE, UPDATE or DELETE"},
							&cli.Int64Flag{Name: "version", Usage: "Object version"},
						},
					},
				},
			},
			{
				Name:  "locks",
				Usage: "Manage migration locks",
				Subcommands: []*cli.Command{
					{
						Name:   "clear",
						Usage:  "Force-release every migration lock",
						Action: clearLocks,
					},
				},
			},
			{
				Name:   "health",
				Usage:  "Check connectivity to the record stores",
				Action: healthCheck,
			},
		},
	}
}
