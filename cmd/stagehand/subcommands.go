package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/stagehand/internal/agent"
	"github.com/3cpo-dev/stagehand/internal/config"
	"github.com/3cpo-dev/stagehand/internal/container"
	"github.com/3cpo-dev/stagehand/internal/core"
	"github.com/3cpo-dev/stagehand/internal/store"
	"github.com/3cpo-dev/stagehand/internal/telemetry"
	"github.com/3cpo-dev/stagehand/pkg/api"
)

// Load the definition file and index it
func loadProvider(cmd *cobra.Command) (*config.Config, *config.Provider, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	p, err := config.NewProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

// List definitions
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "list [commands|stages|sequences]",
		Short:     "List the commands, stages and sequences of the definition file",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"commands", "stages", "sequences"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, err := loadProvider(cmd)
			if err != nil {
				return err
			}
			kinds := []string{"command", "stage", "sequence"}
			if len(args) == 1 {
				kinds = []string{strings.TrimSuffix(args[0], "s")}
			}
			out := cmd.OutOrStdout()
			for _, k := range kinds {
				for _, n := range p.Names(k) {
					fmt.Fprintf(out, "%-9s %s\n", k, n)
				}
			}
			return nil
		},
	}
}

// Run a command, stage or sequence
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a command, stage or sequence",
	}
	for _, kind := range []api.JobKind{api.JobCommand, api.JobStage, api.JobSequence} {
		cmd.AddCommand(newRunKindCmd(kind))
	}
	cmd.PersistentFlags().StringArray("set", nil, "set a variable (KEY=VALUE), overriding the definition file")
	cmd.PersistentFlags().Int("concurrency", 0, "maximum parallel tasks in a parallel stage (0: from config, unlimited)")
	cmd.PersistentFlags().Duration("timeout", 0, "default timeout for tasks without timeout_seconds")
	cmd.PersistentFlags().String("listen", "", "serve the status API on this address while running (e.g. 127.0.0.1:8088)")
	cmd.PersistentFlags().String("history", store.MemoryDSN, "SQLite database recording job history")
	cmd.PersistentFlags().Bool("summary", false, "print the result tree and job counts when done")
	cmd.PersistentFlags().Bool("echo", true, "log task output at info level")
	return cmd
}

func newRunKindCmd(kind api.JobKind) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind) + " NAME",
		Short: fmt.Sprintf("Run a %s", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, kind, args[0])
		},
	}
}

func runJob(cmd *cobra.Command, kind api.JobKind, name string) error {
	cfg, p, err := loadProvider(cmd)
	if err != nil {
		return err
	}
	sets, _ := cmd.Flags().GetStringArray("set")
	vars, err := parseSets(sets)
	if err != nil {
		return err
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	listen, _ := cmd.Flags().GetString("listen")
	history, _ := cmd.Flags().GetString("history")
	summary, _ := cmd.Flags().GetBool("summary")
	echo, _ := cmd.Flags().GetBool("echo")

	metrics := telemetry.InitGlobal(listen != "" || summary)
	defer telemetry.Shutdown()

	st, err := store.Open(history, log.Logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer st.Close()

	opts := core.DefaultOptions(cfg.Dir)
	opts.Shell = cfg.Shell
	opts.ResultsDir = cfg.ResultsDir
	opts.Ignore = config.NewIgnore(cfg.Ignore)
	opts.Concurrency = cfg.Concurrency
	if concurrency > 0 {
		opts.Concurrency = concurrency
	}
	opts.TaskPause = cfg.TaskPause(core.DefaultTaskPause)
	opts.StagePause = cfg.StagePause(core.DefaultStagePause)
	opts.Timeout = timeout
	opts.Variables = vars
	opts.Containers, err = containerRuntime(cfg.ContainerRuntime)
	if err != nil {
		return err
	}
	opts.Registry = core.NewRegistry(core.LogSink{Logger: log.Logger, Echo: echo}, st)
	opts.Metrics = metrics
	opts.Logger = log.Logger
	engine := core.NewEngine(p, opts)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if listen != "" {
		srv := &agent.Server{Version: version, Jobs: engine.Registry(), Metrics: metrics}
		go serveStatus(srv, listen)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var res api.ExecutionResult
	switch kind {
	case api.JobCommand:
		res, err = engine.RunCommand(ctx, name)
	case api.JobStage:
		res, err = engine.RunStage(ctx, name)
	default:
		res, err = engine.RunSequence(ctx, name)
	}
	if err != nil {
		return err
	}

	if summary {
		out := cmd.OutOrStdout()
		printResult(out, res, 0)
		if counts, err := st.Summary(context.Background()); err == nil {
			for _, c := range counts {
				fmt.Fprintf(out, "%-9s %-8s %d\n", c.Kind, c.Status, c.N)
			}
		}
		if failed, err := st.Failed(context.Background()); err == nil {
			for _, j := range failed {
				state := "failed"
				if j.Tolerated {
					state = "allowed"
				}
				fmt.Fprintf(out, "%-9s %-8s %s: %s\n", j.Kind, state, j.Name, firstLine(j.Error))
			}
		}
	}

	if !res.Success {
		code := 1
		if ctx.Err() != nil {
			code = core.ExitCanceled
		}
		return &exitError{code: code, err: fmt.Errorf("%s %q failed: %s", kind, name, res.Error)}
	}
	log.Info().Str("kind", string(kind)).Str("name", name).Msg("run completed")
	return nil
}

func serveStatus(srv *agent.Server, addr string) {
	var err error
	if settings := agent.TLSSettingsFromEnv(); settings.Enabled() {
		err = srv.ListenAndServeTLS(addr, settings)
	} else {
		log.Info().Str("addr", addr).Msg("Starting status API")
		err = srv.ListenAndServe(addr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("status API stopped")
	}
}

// containerRuntime resolves the configured CLI runtime. Docker is the default.
func containerRuntime(name string) (container.Runtime, error) {
	reg := container.NewRegistry()
	reg.Register(container.NewCLIRuntime("docker"))
	reg.Register(container.NewCLIRuntime("podman"))
	reg.Register(container.NewCLIRuntime("nerdctl"))
	if name == "" {
		name = "docker"
	}
	return reg.Get(name)
}

func parseSets(sets []string) (map[string]string, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q: want KEY=VALUE", s)
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, nil
}

func printResult(w io.Writer, res api.ExecutionResult, depth int) {
	status := "ok"
	switch {
	case res.Skipped:
		status = "skip"
	case res.Tolerated:
		status = "FAIL (allowed)"
	case !res.Success:
		status = "FAIL"
	}
	line := fmt.Sprintf("%s%-6s %s", strings.Repeat("  ", depth), status, res.Name)
	if res.ExitCode != nil && *res.ExitCode != 0 {
		line += fmt.Sprintf(" (exit %d)", *res.ExitCode)
	}
	fmt.Fprintln(w, line)
	for _, c := range res.Children {
		printResult(w, c, depth+1)
	}
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate a shell completion script",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			root := cmd.Root()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell %q", args[0])
			}
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
