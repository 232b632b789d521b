package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/weaveflow/weave/internal/diagram"
	"github.com/weaveflow/weave/internal/engine"
	"github.com/weaveflow/weave/internal/expressions"
	"github.com/weaveflow/weave/internal/graph"
	"github.com/weaveflow/weave/internal/logging"
	"github.com/weaveflow/weave/internal/runner"
	"github.com/weaveflow/weave/internal/store"
	"github.com/weaveflow/weave/internal/validation"
	"github.com/weaveflow/weave/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	case "graph":
		os.Exit(cmdGraph(os.Args[2:]))
	case "version":
		printVersion()
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  weave run <workflow.json> [inputs.json]   run a workflow to completion
  weave validate <workflow.json>            check a definition without running it
  weave graph <workflow.json>               print the dependency graph as Mermaid
  weave version                             print the build version`)
}

func cmdRun(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	cfg := loadConfig()
	log := newLogger(cfg.LogLevel)

	wf, err := loadWorkflow(args[0])
	if err != nil {
		log.Error("load workflow", slog.String("error", err.Error()))
		return 1
	}
	if cfg.MaxConcurrency > 0 {
		wf.Config.MaxConcurrency = cfg.MaxConcurrency
	}

	var inputs map[string]any
	if len(args) > 1 {
		data, rerr := os.ReadFile(args[1])
		if rerr != nil {
			log.Error("read inputs", slog.String("error", rerr.Error()))
			return 1
		}
		if jerr := json.Unmarshal(data, &inputs); jerr != nil {
			log.Error("parse inputs", slog.String("error", jerr.Error()))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("open store", slog.String("error", err.Error()))
		return 1
	}
	defer st.Close()

	engines, err := expressions.NewSet()
	if err != nil {
		log.Error("init expression engines", slog.String("error", err.Error()))
		return 1
	}
	reg := runner.NewRegistry()
	if err := runner.RegisterBuiltins(reg, engines); err != nil {
		log.Error("register runners", slog.String("error", err.Error()))
		return 1
	}

	eng, err := engine.New(engine.Options{Registry: reg, Store: st, Logger: log})
	if err != nil {
		log.Error("init engine", slog.String("error", err.Error()))
		return 1
	}

	runID, err := eng.Submit(ctx, wf, inputs)
	if err != nil {
		log.Error("submit", slog.String("error", err.Error()))
		return 1
	}

	go func() {
		<-ctx.Done()
		_ = eng.Cancel(runID)
	}()

	snap, err := eng.Wait(context.Background(), runID)
	if err != nil {
		log.Error("wait", slog.String("error", err.Error()))
		return 1
	}

	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))

	if snap.Status == schema.RunStatusCompleted {
		return 0
	}
	return 1
}

func cmdValidate(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	wf, err := loadWorkflow(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := validator.ValidateWorkflow(wf); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := graph.Build(wf); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("%s: ok (%d steps)\n", args[0], len(wf.Steps))
	return 0
}

func cmdGraph(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	wf, err := loadWorkflow(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	model, err := diagram.Build(wf, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Print(diagram.RenderMermaid(model))
	return 0
}

func loadWorkflow(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &wf, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewLibSQLStore(ctx, "file:"+cfg.DBPath)
}
