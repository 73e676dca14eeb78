// Command agentsnap records and replays agent runs listed in a cases manifest.
//
//	agentsnap generate [flags] [case...]
//	agentsnap test     [flags] [case...]
//	agentsnap update   [flags] [case...]
//	agentsnap list     [flags]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cexll/agentsnap/pkg/config"
	"github.com/cexll/agentsnap/pkg/mcp"
	"github.com/cexll/agentsnap/pkg/snapshot/batch"
	"github.com/cexll/agentsnap/pkg/snapshot/store"
	"github.com/cexll/agentsnap/pkg/telemetry"
)

const tracerName = "github.com/cexll/agentsnap/cmd/agentsnap"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type cliFlags struct {
	dir      string
	root     string
	manifest string
	verbose  bool
	noColor  bool
	watch    bool
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: agentsnap <generate|test|update|list> [flags] [case...]")
}

// run is the testable entry point. It returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd := args[0]
	switch cmd {
	case "generate", "test", "update", "list":
	case "-h", "--help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "agentsnap: unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}

	var f cliFlags
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.dir, "C", ".", "project directory holding agentsnap.yaml")
	fs.StringVar(&f.root, "root", "", "snapshot root directory (overrides settings)")
	fs.StringVar(&f.manifest, "manifest", "", "cases manifest (overrides settings)")
	fs.BoolVar(&f.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&f.noColor, "no-color", false, "disable colored log output")
	if cmd == "test" {
		fs.BoolVar(&f.watch, "watch", false, "re-run tests when settings or the manifest change")
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	loader := &config.SettingsLoader{ProjectRoot: f.dir, RuntimeOverrides: f.overrides()}
	settings, err := loader.Load()
	if err != nil {
		fmt.Fprintf(stderr, "agentsnap: %v\n", err)
		return 1
	}
	logger, err := newLogger(stderr, settings)
	if err != nil {
		fmt.Fprintf(stderr, "agentsnap: %v\n", err)
		return 1
	}
	loader.Logger = logger

	tracing, err := newTracing(ctx, settings)
	if err != nil {
		logger.Error("agentsnap: tracing disabled", "error", err)
		tracing = telemetry.Disabled()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("agentsnap: tracing shutdown", "error", err)
		}
	}()

	inv := &invocation{
		cmd:     cmd,
		flags:   f,
		names:   fs.Args(),
		loader:  loader,
		logger:  logger,
		tracing: tracing,
		stdout:  stdout,
	}
	if f.watch {
		return inv.watch(ctx)
	}
	return inv.once(ctx, settings)
}

func (f cliFlags) overrides() *config.Settings {
	s := &config.Settings{}
	if f.root != "" || f.manifest != "" {
		s.Snapshot = &config.SnapshotConfig{Root: f.root, Manifest: f.manifest}
	}
	if f.verbose || f.noColor {
		s.Log = &config.LogConfig{}
		if f.verbose {
			s.Log.Level = "debug"
		}
		if f.noColor {
			noColor := true
			s.Log.NoColor = &noColor
		}
	}
	return s
}

func newLogger(w io.Writer, s *config.Settings) (*slog.Logger, error) {
	opts := telemetry.LogOptions{}
	if s.Log != nil {
		opts.Level = s.Log.Level
		opts.NoColor = s.Log.NoColor != nil && *s.Log.NoColor
	}
	return telemetry.NewLogger(w, opts)
}

func newTracing(ctx context.Context, s *config.Settings) (*telemetry.Tracing, error) {
	t := s.Tracing
	if t == nil || t.Enabled == nil || !*t.Enabled {
		return telemetry.Disabled(), nil
	}
	return telemetry.NewTracing(ctx, telemetry.TracingOptions{
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure != nil && *t.Insecure,
		ServiceName: t.ServiceName,
	})
}

// invocation carries everything a single command run needs.
type invocation struct {
	cmd     string
	flags   cliFlags
	names   []string
	loader  *config.SettingsLoader
	logger  *slog.Logger
	tracing *telemetry.Tracing
	stdout  io.Writer
}

func (inv *invocation) manifestPath(s *config.Settings) string {
	return inv.loader.ResolvePath(s.Snapshot.Manifest)
}

// snapshotRoot resolves the snapshot root. A root in the manifest is relative
// to the manifest and wins over settings unless -root was given.
func (inv *invocation) snapshotRoot(s *config.Settings, m *batch.Manifest) string {
	if inv.flags.root == "" && m != nil && m.Root != "" {
		if filepath.IsAbs(m.Root) {
			return m.Root
		}
		return filepath.Join(filepath.Dir(inv.manifestPath(s)), m.Root)
	}
	return inv.loader.ResolvePath(s.Snapshot.Root)
}

func (inv *invocation) once(ctx context.Context, s *config.Settings) int {
	for k, v := range s.Env {
		if err := os.Setenv(k, v); err != nil {
			inv.logger.Error("agentsnap: set env", "key", k, "error", err)
			return 1
		}
	}
	m, err := batch.LoadManifest(inv.manifestPath(s))
	if err != nil {
		inv.logger.Error("agentsnap: load manifest", "error", err)
		return 1
	}
	root := inv.snapshotRoot(s, m)
	if inv.cmd == "list" {
		return inv.list(root, m)
	}

	cases, err := batch.Select(m.Cases, inv.names)
	if err != nil {
		inv.logger.Error("agentsnap: select cases", "error", err)
		return 2
	}
	mode, err := batch.ParseMode(inv.cmd)
	if err != nil {
		inv.logger.Error("agentsnap: mode", "error", err)
		return 2
	}
	if mode == batch.ModeTest && s.UpdateMode() {
		mode = batch.ModeUpdate
	}
	normalizer, err := s.Normalizer()
	if err != nil {
		inv.logger.Error("agentsnap: normalizer", "error", err)
		return 1
	}
	projectRoot := inv.loader.ResolvePath(".")
	mcpClient, err := connectMCP(ctx, s, inv.logger)
	if err != nil {
		inv.logger.Error("agentsnap: mcp", "error", err)
		return 1
	}
	defer func() {
		if err := mcpClient.Close(); err != nil {
			inv.logger.Warn("agentsnap: mcp close", "error", err)
		}
	}()
	reg, err := runtimeFactories(s, projectRoot, inv.logger, mcpClient.Tools())
	if err != nil {
		inv.logger.Error("agentsnap: runtimes", "error", err)
		return 1
	}
	runner := batch.NewRunner(reg, root,
		batch.WithVerification(s.Verification()),
		batch.WithNormalizer(normalizer),
		batch.WithLogger(inv.logger),
		batch.WithTracer(inv.tracing.Tracer(tracerName)),
		batch.WithDefaultKind(s.Model.ProviderName()),
	)
	results, err := runner.Run(ctx, mode, cases)
	report(inv.stdout, results)
	if flushErr := inv.tracing.Flush(ctx); flushErr != nil {
		inv.logger.Debug("agentsnap: tracing flush", "error", flushErr)
	}
	if err != nil {
		return 1
	}
	return 0
}

// connectMCP opens a session to every configured MCP server. The returned
// client is usable, and empty, when none are configured.
func connectMCP(ctx context.Context, s *config.Settings, logger *slog.Logger) (*mcp.Client, error) {
	client := mcp.NewClient(logger)
	for _, srv := range s.MCPServers() {
		if err := client.ConnectServer(ctx, srv); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

func (inv *invocation) list(root string, m *batch.Manifest) int {
	stored, err := store.List(root)
	if err != nil {
		inv.logger.Error("agentsnap: list snapshots", "error", err)
		return 1
	}
	loops := make(map[string]int, len(stored))
	for _, s := range stored {
		loops[s.Name] = s.Loops
	}
	for _, c := range m.Cases {
		n, ok := loops[c.Name]
		switch {
		case !ok || n == 0:
			fmt.Fprintf(inv.stdout, "%-24s not recorded\n", c.Name)
		case n == 1:
			fmt.Fprintf(inv.stdout, "%-24s 1 loop\n", c.Name)
		default:
			fmt.Fprintf(inv.stdout, "%-24s %d loops\n", c.Name, n)
		}
		delete(loops, c.Name)
	}
	for _, s := range stored {
		if _, orphan := loops[s.Name]; orphan {
			fmt.Fprintf(inv.stdout, "%-24s orphaned (no case in manifest)\n", s.Name)
		}
	}
	return 0
}

// watch re-runs the command whenever settings or the manifest change, until
// ctx is cancelled. The exit code is that of the last run.
func (inv *invocation) watch(ctx context.Context) int {
	changes := make(chan *config.Settings, 1)
	initial, err := inv.loader.Load()
	if err != nil {
		inv.logger.Error("agentsnap: load settings", "error", err)
		return 1
	}
	w, err := config.NewWatcher(inv.loader,
		config.WithExtraFiles(inv.manifestPath(initial)),
		config.OnChange(func(s *config.Settings) {
			select {
			case changes <- s:
			default:
				// A run is already queued; drop the older settings.
				select {
				case <-changes:
				default:
				}
				changes <- s
			}
		}),
		config.OnError(func(err error) {
			inv.logger.Error("agentsnap: reload", "error", err)
		}),
	)
	if err != nil {
		inv.logger.Error("agentsnap: watch", "error", err)
		return 1
	}
	if _, err := w.Start(); err != nil {
		inv.logger.Error("agentsnap: watch", "error", err)
		return 1
	}
	defer w.Close()

	code := 0
	for {
		select {
		case <-ctx.Done():
			return code
		case s := <-changes:
			code = inv.once(ctx, s)
			inv.logger.Info("agentsnap: waiting for changes")
		}
	}
}
