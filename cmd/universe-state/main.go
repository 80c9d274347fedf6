// Command universe-state builds, inspects and verifies per-universe
// instrument States.
//
//	universe-state -config cfg.yaml <action> [flags]
//
// Actions: build, inspect, verify, rebuild, schedule, consume-revisions,
// publish-revision.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"universe-state/internal/config"
	"universe-state/internal/logger"
	"universe-state/internal/observability"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// errFailed marks a run that completed but reported failures.
var errFailed = errors.New("finished with failures")

type app struct {
	cfg    *config.Config
	log    *logger.Logger
	out    io.Writer
	errOut io.Writer
}

type action struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var actions = map[string]action{
	"build":             {"build States for a universe over a date range", runBuild},
	"inspect":           {"print stored States of one lineage", runInspect},
	"verify":            {"recompute stored States and report divergences", runVerify},
	"rebuild":           {"rebuild one lineage from a period forward", runRebuild},
	"schedule":          {"run cron-driven incremental builds", runSchedule},
	"consume-revisions": {"apply bar revision events from Kafka", runConsumeRevisions},
	"publish-revision":  {"publish revised bars of one instrument to Kafka", runPublishRevision},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("universe-state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to the YAML config file (defaults apply when empty)")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage(fs, stderr)
		return exitUsage
	}
	name := fs.Arg(0)
	act, ok := actions[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown action %q\n", name)
		usage(fs, stderr)
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitUsage
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "create logger: %v\n", err)
		return exitUsage
	}
	log = log.With(logger.String("action", name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", logger.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Metrics.Enabled {
		srv := startHTTPServer(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a := &app{cfg: cfg, log: log, out: stdout, errOut: stderr}
	err = act.run(ctx, a, fs.Args()[1:])
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, flag.ErrHelp):
		return exitUsage
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		return exitUsage
	case errors.Is(err, errFailed):
		log.Warn("run finished with failures")
		return exitFailure
	default:
		log.Error("run failed", logger.Err(err))
		return exitFailure
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: universe-state [-config file] <action> [flags]")
	fs.PrintDefaults()
	fmt.Fprintln(w, "\nactions:")
	for _, name := range []string{"build", "inspect", "verify", "rebuild", "schedule", "consume-revisions", "publish-revision"} {
		fmt.Fprintf(w, "  %-18s %s\n", name, actions[name].usage)
	}
}

// startHTTPServer serves /health and /metrics.
func startHTTPServer(addr string, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("starting HTTP server", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", logger.Err(err))
		}
	}()
	return srv
}

// splitList parses a comma-separated flag value.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
