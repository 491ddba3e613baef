package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tabarochristian/loop-to-result/internal/config"
	"github.com/tabarochristian/loop-to-result/internal/gateway"
	"github.com/tabarochristian/loop-to-result/internal/hub"
	"github.com/tabarochristian/loop-to-result/internal/logging"
	"github.com/tabarochristian/loop-to-result/internal/models"
	"github.com/tabarochristian/loop-to-result/internal/notify"
	"github.com/tabarochristian/loop-to-result/internal/orchestrator"
	"github.com/tabarochristian/loop-to-result/internal/preset"
	"github.com/tabarochristian/loop-to-result/internal/storage"
	"github.com/tabarochristian/loop-to-result/internal/tui"
)

const shutdownTimeout = 15 * time.Second

var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "lab",
		Short:         "Model-driven code experiments",
		Long:          "Lab runs experiments in which a language model writes code, a sandbox runs it, and the result is fed back until the task is solved.",
		RunE:          runTUI,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $LAB_DATA_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newInputCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newPresetsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env is everything a command needs. Commands that only touch the database
// still build the orchestrator so that every write goes through it.
type env struct {
	cfg     *config.Config
	store   *storage.Storage
	hub     *hub.Hub
	orch    *orchestrator.Orchestrator
	presets map[string]*models.Preset
	logOut  *os.File
}

// setup loads configuration, opens the store and wires the orchestrator.
// logFile, when set, names a file in the data directory that receives logs
// instead of stderr.
func setup(logFile string) (_ *env, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var logOut *os.File
	defer func() {
		if err != nil && logOut != nil {
			logging.Disable()
			_ = logOut.Close()
		}
	}()

	if logFile != "" {
		f, ferr := os.OpenFile(filepath.Join(cfg.DataDir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			logging.Disable()
		} else {
			logOut = f
			if err := logging.Init(cfg.Log.Level, "json", f); err != nil {
				return nil, fmt.Errorf("invalid log level: %w", err)
			}
		}
	} else if err := logging.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	presets, err := preset.LoadAll(cfg.PresetDirs)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load presets: %w", err)
	}

	notifier, err := notify.FromConfig(cfg.Notify, logging.Component("notify"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to configure notifications: %w", err)
	}

	opts := orchestrator.OptionsFromConfig(cfg)
	opts.Notifier = notifier

	h := hub.New()
	backends := gateway.GollmFactory(gateway.GollmOptions{
		MaxTokens:   cfg.Gateway.MaxTokens,
		Temperature: cfg.Gateway.Temperature,
	})

	return &env{
		cfg:     cfg,
		store:   store,
		hub:     h,
		orch:    orchestrator.New(store, h, backends, opts),
		presets: presets,
		logOut:  logOut,
	}, nil
}

// Close stops every local worker, then releases the hub and the store.
func (e *env) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.orch.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: workers did not stop in time:", err)
	}
	e.hub.Close()
	_ = e.store.Close()
	if e.logOut != nil {
		logging.Disable()
		_ = e.logOut.Close()
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return listExperiments(20)
	}

	// The TUI owns the terminal, so logs go to a file.
	e, err := setup("lab.log")
	if err != nil {
		return err
	}
	defer e.Close()

	backend := gateway.Backends[0]
	app := tui.NewApp(e.orch, e.presets, orchestrator.StartRequest{
		Backend: backend.Name,
		Model:   backend.DefaultModel,
	})
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	var (
		presetName    string
		backend       string
		model         string
		language      string
		maxIterations int
		follow        bool
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Start an experiment and wait for it to finish",
		Long: "Start an experiment and wait for it to finish. The experiment runs inside this process;\n" +
			"interrupting it stops the experiment.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			req := orchestrator.StartRequest{
				Prompt:        strings.Join(args, " "),
				Backend:       backend,
				Model:         model,
				Language:      language,
				MaxIterations: maxIterations,
			}
			if presetName != "" {
				p, ok := e.presets[presetName]
				if !ok {
					return fmt.Errorf("preset %q not found", presetName)
				}
				req.ApplyPreset(p)
			}
			if req.Backend == "" {
				req.Backend = gateway.Backends[0].Name
			}
			if req.Model, err = gateway.ResolveModel(req.Backend, req.Model); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id, err := e.orch.Start(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to start experiment: %w", err)
			}
			fmt.Printf("Started experiment %s (%s/%s)\n", id, req.Backend, req.Model)

			var printed <-chan int64
			var sub *hub.Subscription
			if follow {
				sub, err = e.hub.Subscribe(id, 256)
				if err != nil {
					return err
				}
				printed = followTranscript(ctx, e, id, sub)
			}

			if err := e.orch.Wait(ctx, id); err != nil {
				fmt.Println("Interrupted, stopping experiment...")
				if err := e.orch.StopExperiment(context.Background(), id); err != nil {
					return err
				}
				waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = e.orch.Shutdown(waitCtx)
			}

			if sub != nil {
				sub.Close()
				lastSeq := <-printed
				rest, err := e.orch.Transcript(context.Background(), id, lastSeq)
				if err == nil {
					for _, m := range rest {
						printMessage(m)
					}
				}
			}

			exp, err := e.orch.GetExperiment(context.Background(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Experiment %s finished with status: %s\n", id, exp.Status)
			if exp.Status == models.StatusFailed {
				return errors.New("experiment failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&presetName, "preset", "p", "", "Preset supplying backend, model and limits")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "Model backend (openai, anthropic, groq, mistral, ollama)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model name (default: the backend's default model)")
	cmd.Flags().StringVarP(&language, "language", "l", "", "Sandbox language (starlark, lua)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Iteration limit (default from config)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Print the transcript as it grows")
	return cmd
}

// followTranscript prints what is already stored, then every new message
// from sub. The returned channel yields the last printed sequence number once
// sub is closed.
func followTranscript(ctx context.Context, e *env, id string, sub *hub.Subscription) <-chan int64 {
	done := make(chan int64, 1)

	var lastSeq int64
	if msgs, err := e.orch.Transcript(ctx, id, 0); err == nil {
		for _, m := range msgs {
			printMessage(m)
			lastSeq = m.Seq
		}
	}

	go func() {
		for ev := range sub.C {
			switch ev.Type {
			case hub.EventMessage:
				if ev.Seq <= lastSeq {
					continue
				}
				printMessage(&models.Message{Seq: ev.Seq, Sender: ev.Sender, Content: ev.Content, CreatedAt: ev.Timestamp})
				lastSeq = ev.Seq
			case hub.EventStatus:
				fmt.Printf("-- status: %s\n", ev.Status)
			}
		}
		done <- lastSeq
	}()
	return done
}

func printMessage(m *models.Message) {
	fmt.Printf("\n── #%d %s  %s ──\n", m.Seq, m.Sender, m.CreatedAt.Local().Format("15:04:05"))
	fmt.Println(m.Content)
}

func newListCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listExperiments(limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of experiments")
	return cmd
}

func listExperiments(limit int) error {
	e, err := setup("")
	if err != nil {
		return err
	}
	defer e.Close()

	exps, err := e.orch.ListExperiments(context.Background(), limit)
	if err != nil {
		return err
	}

	if len(exps) == 0 {
		fmt.Println("No experiments found.")
		return nil
	}

	for _, exp := range exps {
		fmt.Printf("%s  %-8s %-10s %-20s %-8s %s\n",
			exp.ID, exp.Status, exp.Backend, truncate(exp.Model, 20),
			storage.FormatTimeAgo(exp.CreatedAt),
			truncate(firstLine(exp.Prompt), 50))
	}
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <experiment-id>",
		Short: "Show experiment status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := context.Background()
			exp, err := e.orch.GetExperiment(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get experiment: %w", err)
			}
			msgs, err := e.orch.Transcript(ctx, exp.ID, 0)
			if err != nil {
				return err
			}

			fmt.Printf("Experiment: %s\n", exp.ID)
			fmt.Printf("Status:     %s\n", exp.Status)
			fmt.Printf("Backend:    %s\n", exp.Backend)
			fmt.Printf("Model:      %s\n", exp.Model)
			fmt.Printf("Language:   %s\n", exp.Language)
			fmt.Printf("Created:    %s (%s)\n", exp.CreatedAt.Local().Format(time.DateTime), storage.FormatTimeAgo(exp.CreatedAt))
			fmt.Printf("Updated:    %s\n", exp.UpdatedAt.Local().Format(time.DateTime))
			fmt.Printf("Messages:   %d\n", len(msgs))
			fmt.Printf("Prompt:     %s\n", exp.Prompt)
			if n := len(msgs); n > 0 {
				last := msgs[n-1]
				fmt.Printf("\nLast message (%s):\n%s\n", last.Sender, truncate(last.Content, 500))
			}
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "show <experiment-id>",
		Short: "Print an experiment's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := context.Background()
			exp, err := e.orch.GetExperiment(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get experiment: %w", err)
			}
			msgs, err := e.orch.Transcript(ctx, exp.ID, after)
			if err != nil {
				return err
			}

			fmt.Printf("Experiment %s [%s]\n", exp.ID, exp.Status)
			fmt.Printf("Prompt: %s\n", exp.Prompt)
			if len(msgs) == 0 {
				fmt.Println("\n(no messages)")
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Only show messages after this sequence number")
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <experiment-id>",
		Short: "Stop a running experiment",
		Long:  "Stop a running experiment. The process running it notices at its next iteration.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.StopExperiment(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to stop experiment: %w", err)
			}
			fmt.Printf("Stop requested for %s\n", args[0])
			return nil
		},
	}
}

func newInputCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "input <experiment-id> <message>",
		Short: "Add a user message to a running experiment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			msg, err := e.orch.SubmitUserInput(context.Background(), args[0], strings.Join(args[1:], " "))
			if errors.Is(err, models.ErrExperimentNotActive) {
				return fmt.Errorf("experiment %s is no longer running", args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to submit input: %w", err)
			}
			fmt.Printf("Added message #%d to %s\n", msg.Seq, args[0])
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <experiment-id>",
		Short: "Delete an experiment, its transcript and its archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.DeleteExperiment(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to delete experiment: %w", err)
			}
			fmt.Printf("Deleted experiment %s\n", args[0])
			return nil
		},
	}
}

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List available presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			if len(e.presets) == 0 {
				fmt.Printf("No presets found in %s\n", strings.Join(e.cfg.PresetDirs, ", "))
				return nil
			}
			for _, name := range preset.Names(e.presets) {
				p := e.presets[name]
				fmt.Printf("%-20s %s/%s", name, p.Backend, p.Model)
				if p.Language != "" {
					fmt.Printf(" [%s]", p.Language)
				}
				if p.Description != "" {
					fmt.Printf("  %s", p.Description)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate shortens s to maxLen terminal cells, ending in "...".
func truncate(s string, maxLen int) string {
	return ansi.Truncate(s, maxLen, "...")
}
