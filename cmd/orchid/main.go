// Command orchid runs workflow definitions against a local libSQL store.
//
//	orchid run -f workflow.json -inputs '{"region":"eu"}'
//	orchid resume <instance-id>
//	orchid status <instance-id>
//	orchid cancel -compensate <instance-id>
//	orchid events <instance-id>
//	orchid schedule -f workflow.json -cron "0 3 * * *"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/calydon/orchid/internal/engine"
	"github.com/calydon/orchid/internal/logging"
	"github.com/calydon/orchid/internal/scheduler"
	"github.com/calydon/orchid/internal/store"
	"github.com/calydon/orchid/internal/tools"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, cfg, logger, os.Args[2:])
	case "resume":
		err = cmdResume(ctx, cfg, logger, os.Args[2:])
	case "status":
		err = cmdStatus(ctx, cfg, os.Args[2:])
	case "cancel":
		err = cmdCancel(ctx, cfg, logger, os.Args[2:])
	case "events":
		err = cmdEvents(ctx, cfg, os.Args[2:])
	case "schedule":
		err = cmdSchedule(ctx, cfg, logger, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: orchid <run|resume|status|cancel|events|schedule> [flags]")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(cfg Config) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newEngine(cfg Config, s store.Store, logger *slog.Logger) (*engine.Engine, error) {
	reg := tools.NewRegistry()
	if err := reg.Register(tools.NewHTTPTool(nil)); err != nil {
		return nil, err
	}
	if err := reg.Register(tools.NewTransformTool()); err != nil {
		return nil, err
	}
	return engine.New(s, reg, engine.Config{PoolSize: cfg.PoolSize}, logger)
}

func cmdRun(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	defFile := fs.String("f", "", "workflow definition JSON file")
	inputsJSON := fs.String("inputs", "{}", "workflow inputs as a JSON object")
	fs.Parse(args)

	if *defFile == "" {
		return fmt.Errorf("run: -f <definition.json> is required")
	}
	raw, err := os.ReadFile(*defFile)
	if err != nil {
		return err
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
		return fmt.Errorf("parse -inputs: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	eng, err := newEngine(cfg, s, logger)
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	def, err := eng.Definitions().RegisterJSON(raw)
	if err != nil {
		return err
	}

	instanceID, err := eng.Launch(ctx, def.Name, inputs)
	if err != nil {
		return err
	}
	fmt.Println(instanceID)

	final, err := eng.Wait(ctx, instanceID)
	if final != nil {
		printJSON(final)
	}
	return err
}

func cmdResume(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	defFile := fs.String("f", "", "workflow definition JSON file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("resume: exactly one instance ID expected")
	}
	if *defFile == "" {
		return fmt.Errorf("resume: -f <definition.json> is required")
	}
	raw, err := os.ReadFile(*defFile)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	eng, err := newEngine(cfg, s, logger)
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	if _, err := eng.Definitions().RegisterJSON(raw); err != nil {
		return err
	}

	instanceID := fs.Arg(0)
	if err := eng.Resume(ctx, instanceID); err != nil {
		return err
	}
	final, err := eng.Wait(ctx, instanceID)
	if final != nil {
		printJSON(final)
	}
	return err
}

func cmdStatus(ctx context.Context, cfg Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("status: exactly one instance ID expected")
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.LoadLatest(ctx, args[0])
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func cmdCancel(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	compensate := fs.Bool("compensate", false, "run compensations for completed steps")
	defFile := fs.String("f", "", "workflow definition JSON file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("cancel: exactly one instance ID expected")
	}
	if *defFile == "" {
		return fmt.Errorf("cancel: -f <definition.json> is required")
	}
	raw, err := os.ReadFile(*defFile)
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	eng, err := newEngine(cfg, s, logger)
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	if _, err := eng.Definitions().RegisterJSON(raw); err != nil {
		return err
	}
	return eng.Cancel(ctx, fs.Arg(0), *compensate)
}

func cmdEvents(ctx context.Context, cfg Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("events: exactly one instance ID expected")
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := s.ListEvents(ctx, args[0], 0)
	if err != nil {
		return err
	}
	for _, e := range events {
		printJSON(e)
	}
	return nil
}

// cmdSchedule launches the workflow on a cron schedule and blocks until
// interrupted. Instances persist across restarts; the schedule itself is
// in-memory, so the process must stay up.
func cmdSchedule(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	defFile := fs.String("f", "", "workflow definition JSON file")
	cronExpr := fs.String("cron", "", "cron expression, e.g. \"0 3 * * *\"")
	inputsJSON := fs.String("inputs", "{}", "workflow inputs as a JSON object")
	interval := fs.Duration("interval", scheduler.DefaultTickInterval, "due-job check interval")
	fs.Parse(args)

	if *defFile == "" || *cronExpr == "" {
		return fmt.Errorf("schedule: -f and -cron are required")
	}
	raw, err := os.ReadFile(*defFile)
	if err != nil {
		return err
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
		return fmt.Errorf("parse -inputs: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	eng, err := newEngine(cfg, s, logger)
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	def, err := eng.Definitions().RegisterJSON(raw)
	if err != nil {
		return err
	}

	sched := scheduler.New(eng, *interval, logger)
	if err := sched.AddJob(def.Name, def.Name, *cronExpr, inputs); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("scheduling workflow",
		slog.String("workflow", def.Name),
		slog.String("cron", *cronExpr))

	<-ctx.Done()
	return sched.Stop()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
