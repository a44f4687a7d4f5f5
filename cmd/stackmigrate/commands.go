package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/stack-migrate/internal/asyncjob"
	"github.com/johndauphine/stack-migrate/internal/config"
	"github.com/johndauphine/stack-migrate/internal/exitcodes"
	"github.com/johndauphine/stack-migrate/internal/migration"
	"github.com/johndauphine/stack-migrate/internal/orchestrator"
	"github.com/johndauphine/stack-migrate/internal/progress"
)

// withOrchestrator loads config, starts an orchestrator and runs fn with a
// context cancelled on SIGINT/SIGTERM.
func withOrchestrator(c *cli.Context, fn func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer orch.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := orch.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, orch, c.Int64("user"))
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, exitcodes.NewExitError(fmt.Errorf("configuration file not found: %s", path), exitcodes.ConfigError)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	return cfg, nil
}

// render writes v to stdout as indented JSON with --output-json, or as YAML
// otherwise. Both go through the JSON field names.
func render(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if c.Bool("output-json") {
		fmt.Fprintln(c.App.Writer, string(data))
		return nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}

func listTypes(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		types, err := o.ListMigrationTypes(ctx, user)
		if err != nil {
			return err
		}
		return render(c, types)
	})
}

func typeCounts(c *cli.Context) error {
	var types []migration.Type
	for _, s := range c.StringSlice("type") {
		t, err := migration.ParseType(s)
		if err != nil {
			return err
		}
		types = append(types, t)
	}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		counts, err := o.TypeCounts(ctx, user, types)
		if err != nil {
			return err
		}
		return render(c, counts)
	})
}

func typeChecksum(c *cli.Context) error {
	t, err := migration.ParseType(c.String("type"))
	if err != nil {
		return err
	}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		sum, err := o.TypeChecksum(ctx, user, t, c.String("salt"))
		if err != nil {
			return err
		}
		return render(c, sum)
	})
}

func rangeChecksum(c *cli.Context) error {
	t, err := migration.ParseType(c.String("type"))
	if err != nil {
		return err
	}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		sum, err := o.RangeChecksum(ctx, user, t, c.String("salt"), c.Int64("min"), c.Int64("max"))
		if err != nil {
			return err
		}
		return render(c, sum)
	})
}

func calculateDelta(c *cli.Context) error {
	t, err := migration.ParseType(c.String("type"))
	if err != nil {
		return err
	}
	r := migration.FullRange
	if c.IsSet("min") {
		r.MinID = c.Int64("min")
	}
	if c.IsSet("max") {
		r.MaxID = c.Int64("max")
	}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		d, err := o.CalculateDelta(ctx, user, t, c.String("salt"), r)
		if err != nil {
			return err
		}
		if err := render(c, d); err != nil {
			return err
		}
		if c.Bool("fail-on-diff") && !d.Empty() {
			return exitcodes.NewExitError(fmt.Errorf("stacks differ for %s", t), exitcodes.ValidationError)
		}
		return nil
	})
}

func startBackup(c *cli.Context) error {
	t, err := migration.ParseType(c.String("type"))
	if err != nil {
		return err
	}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		st, err := o.StartBackup(ctx, user, t, c.Int64Slice("ids"))
		if err != nil {
			return err
		}
		return finishOperation(ctx, c, o, user, st)
	})
}

func startRestore(c *cli.Context) error {
	t, err := migration.ParseType(c.String("type"))
	if err != nil {
		return err
	}
	sub := migration.RestoreSubmission{ArtifactFileName: c.String("artifact")}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		st, err := o.StartRestore(ctx, user, t, sub)
		if err != nil {
			return err
		}
		return finishOperation(ctx, c, o, user, st)
	})
}

func backupStatus(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		st, err := o.GetBackupStatus(ctx, user, c.String("id"))
		if err != nil {
			return err
		}
		return finishOperation(ctx, c, o, user, st)
	})
}

// finishOperation renders st, first polling it to a terminal state when
// --wait is set. Progress goes to stderr: a bar on a terminal, JSON lines
// with --output-json.
func finishOperation(ctx context.Context, c *cli.Context, o *orchestrator.Orchestrator, user int64, st migration.BackupRestoreStatus) error {
	if !c.Bool("wait") || st.State.Terminal() {
		return render(c, st)
	}

	var observe func(migration.BackupRestoreStatus)
	var finish func()
	switch {
	case c.Bool("output-json"):
		reporter := progress.NewJSONReporter(os.Stderr, time.Second)
		observe = func(s migration.BackupRestoreStatus) {
			if s.State.Terminal() {
				reporter.ReportImmediate(progress.FromStatus(s))
			} else {
				reporter.Report(progress.FromStatus(s))
			}
		}
		finish = reporter.Close
	case progress.IsTerminal():
		tracker := progress.New()
		observe = tracker.Observe
		finish = tracker.Finish
	}

	done, err := o.WaitBackup(ctx, user, st.ID, observe)
	if finish != nil {
		finish()
	}
	if err != nil {
		return err
	}
	if err := render(c, done); err != nil {
		return err
	}
	if done.State == migration.StateFailed {
		return fmt.Errorf("%s %s failed: %s: %w", done.Kind, done.ID, done.Message, migration.ErrFatal)
	}
	return nil
}

func readRequest(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func startJob(c *cli.Context) error {
	body, err := readRequest(c.String("request"))
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	req, err := asyncjob.DecodeRequest(bytes.TrimSpace(body))
	if err != nil {
		return err
	}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		id, err := o.StartAsyncJob(ctx, user, req)
		if err != nil {
			return err
		}
		return finishJob(ctx, c, o, user, id)
	})
}

func jobStatus(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		return finishJob(ctx, c, o, user, c.String("id"))
	})
}

func finishJob(ctx context.Context, c *cli.Context, o *orchestrator.Orchestrator, user int64, id string) error {
	var (
		st  asyncjob.Status
		err error
	)
	if c.Bool("wait") {
		st, err = o.WaitAsyncJob(ctx, user, id)
	} else {
		st, err = o.GetAsyncJobStatus(ctx, user, id)
	}
	if err != nil {
		return err
	}
	if err := render(c, st); err != nil {
		return err
	}
	if st.State == migration.JobFailed {
		return fmt.Errorf("job %s failed: %s: %w", st.JobID, st.ErrorMessage, migration.ErrFatal)
	}
	return nil
}

func jobKinds(c *cli.Context) error {
	return render(c, asyncjob.Kinds())
}

func registerProcessed(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		return o.RegisterProcessed(ctx, user, c.Int64("change"), c.String("queue"))
	})
}

func listUnprocessed(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		msgs, err := o.ListUnprocessed(ctx, user, c.String("queue"), c.Int("limit"))
		if err != nil {
			return err
		}
		return render(c, msgs)
	})
}

func appendChange(c *cli.Context) error {
	t, err := migration.ParseType(c.String("object-type"))
	if err != nil {
		return err
	}
	ct, err := migration.ParseChangeType(c.String("change-type"))
	if err != nil {
		return err
	}
	msg := migration.ChangeMessage{ObjectID: c.Int64("object-id"), ObjectType: t, ChangeType: ct}
	if c.IsSet("version") {
		v := c.Int64("version")
		msg.ObjectVersion = &v
	}
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		out, err := o.AppendChange(ctx, user, msg)
		if err != nil {
			return err
		}
		return render(c, out)
	})
}

func clearLocks(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		n, err := o.ClearAllLocks(ctx, user)
		if err != nil {
			return err
		}
		return render(c, map[string]int{"cleared": n})
	})
}

func healthCheck(c *cli.Context) error {
	return withOrchestrator(c, func(ctx context.Context, o *orchestrator.Orchestrator, user int64) error {
		res, err := o.HealthCheck(ctx, user)
		if err != nil {
			return err
		}
		if err := render(c, res); err != nil {
			return err
		}
		if !res.Healthy {
			return exitcodes.NewExitError(fmt.Errorf("health check failed"), exitcodes.ConnectionError)
		}
		return nil
	})
}
