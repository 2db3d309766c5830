package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/mimic/internal/config"
	"github.com/stellarlinkco/mimic/internal/gateway"
	"github.com/stellarlinkco/mimic/internal/logger"
	"github.com/stellarlinkco/mimic/internal/memory"
)

// ServicesFactory builds the memory and suggestion stack for one command
// (allows injecting fakes in tests).
type ServicesFactory func(cfg *config.Config, log *logger.Logger) (*gateway.Services, error)

// DefaultServicesFactory builds every provider from config.
func DefaultServicesFactory(cfg *config.Config, log *logger.Logger) (*gateway.Services, error) {
	return gateway.NewServices(cfg, gateway.ServiceOptions{Logger: log})
}

// App holds the injectable dependencies of the commands.
type App struct {
	Services   ServicesFactory
	LoadConfig func() (*config.Config, error)
	Stdout     io.Writer
}

func (a *App) defaults() {
	if a.Services == nil {
		a.Services = DefaultServicesFactory
	}
	if a.LoadConfig == nil {
		a.LoadConfig = config.LoadConfig
	}
	if a.Stdout == nil {
		a.Stdout = os.Stdout
	}
}

type scopeFlags struct {
	session string
	chat    string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.session, "session", "cli", "Session (account) the chat belongs to")
	cmd.Flags().StringVar(&f.chat, "chat", "", "Chat id")
}

func (f *scopeFlags) scope(svc *gateway.Services) (memory.Scope, error) {
	scope, err := svc.Scope(f.session, f.chat)
	if err != nil {
		return memory.Scope{}, fmt.Errorf("--chat is required: %w", err)
	}
	return scope, nil
}

func newRootCmd(app *App) *cobra.Command {
	app.defaults()

	rootCmd := &cobra.Command{
		Use:          "mimic",
		Short:        "mimic - reply suggestions in your own voice, from your chat memory",
		SilenceUsage: true,
	}
	rootCmd.SetOut(app.Stdout)

	rootCmd.AddCommand(
		newGatewayCmd(app),
		newAskCmd(app),
		newSuggestCmd(app),
		newIngestCmd(app),
		newSweepCmd(app),
		newSummarizeCmd(app),
		newStatsCmd(app),
		newOnboardCmd(app),
		newStatusCmd(app),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd(&App{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// withServices loads config, builds the services and closes them after fn.
func (a *App) withServices(fn func(ctx context.Context, svc *gateway.Services) error) error {
	cfg, err := a.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	svc, err := a.Services(cfg, log)
	if err != nil {
		return fmt.Errorf("create services: %w", err)
	}
	defer svc.Close()
	return fn(context.Background(), svc)
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(logger.Options{
		Mode:     cfg.Log.Mode,
		Level:    cfg.Log.Level,
		Redact:   cfg.Log.Redact,
		HashSalt: cfg.Log.HashSalt,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

func newGatewayCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (channels + memory ingestion + suggestions + cron)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: log})
			if err != nil {
				return fmt.Errorf("create gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func newAskCmd(app *App) *cobra.Command {
	var (
		flags      scopeFlags
		promptOnly bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question about a chat from its memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return app.withServices(func(ctx context.Context, svc *gateway.Services) error {
				scope, err := flags.scope(svc)
				if err != nil {
					return err
				}
				if promptOnly {
					out := svc.Assembler.Assemble(ctx, scope, question)
					fmt.Fprintln(app.Stdout, out.Prompt)
					fmt.Fprintf(app.Stdout, "\n-- ~%d tokens; %s\n", out.TokenEstimate, formatCounts(out.Counts))
					return nil
				}
				return printSuggestion(ctx, app.Stdout, svc, scope, question, false)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&promptOnly, "prompt-only", false, "Print the assembled context prompt instead of running the pipeline")
	return cmd
}

func newSuggestCmd(app *App) *cobra.Command {
	var flags scopeFlags
	cmd := &cobra.Command{
		Use:   "suggest [message]",
		Short: "Draft a reply to a message in the chat owner's style",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(ctx context.Context, svc *gateway.Services) error {
				scope, err := flags.scope(svc)
				if err != nil {
					return err
				}
				return printSuggestion(ctx, app.Stdout, svc, scope, strings.Join(args, " "), true)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func printSuggestion(ctx context.Context, w io.Writer, svc *gateway.Services, scope memory.Scope, query string, verbose bool) error {
	res, err := svc.Suggest.Suggest(ctx, scope, query, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, res.Reply)
	if verbose {
		fmt.Fprintf(w, "\n-- persona: %s\n-- stages: %s\n", res.Persona.Describe(), strings.Join(res.Stages, " > "))
	}
	return nil
}

func newIngestCmd(app *App) *cobra.Command {
	var (
		flags scopeFlags
		file  string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Bulk-load a JSON array of chat messages into memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := readMessages(file)
			if err != nil {
				return err
			}
			return app.withServices(func(ctx context.Context, svc *gateway.Services) error {
				scope, err := flags.scope(svc)
				if err != nil {
					return err
				}
				n := svc.Store.StoreBatch(ctx, scope, msgs)
				fmt.Fprintf(app.Stdout, "Stored %d of %d messages in %s\n", n, len(msgs), scope)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the messages ('-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readMessages(path string) ([]memory.Message, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	var msgs []memory.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return msgs, nil
}

func newSweepCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete messages and summaries past their retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(ctx context.Context, svc *gateway.Services) error {
				fmt.Fprintf(app.Stdout, "Removed %d expired points\n", svc.Store.SweepExpired(ctx))
				return nil
			})
		},
	}
}

func newSummarizeCmd(app *App) *cobra.Command {
	var (
		flags scopeFlags
		days  []string
	)
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize a chat over the given days (YYYY-MM-DD)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(days) == 0 {
				return fmt.Errorf("--days is required")
			}
			return app.withServices(func(ctx context.Context, svc *gateway.Services) error {
				scope, err := flags.scope(svc)
				if err != nil {
					return err
				}
				summary, ok := svc.Summarizer.SummarizePeriod(ctx, scope, days)
				if !ok {
					fmt.Fprintln(app.Stdout, "No messages to summarize for that period.")
					return nil
				}
				fmt.Fprintln(app.Stdout, summary)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&days, "days", nil, "Comma-separated days, e.g. 2024-03-05,2024-03-06")
	return cmd
}

func newStatsCmd(app *App) *cobra.Command {
	var flags scopeFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show what is stored, for one chat or for all collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(ctx context.Context, svc *gateway.Services) error {
				var v any
				if flags.chat == "" {
					v = svc.Store.Statistics(ctx)
				} else {
					scope, err := flags.scope(svc)
					if err != nil {
						return err
					}
					v = svc.Store.ChatStats(ctx, scope)
				}
				data, err := json.MarshalIndent(v, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(app.Stdout, string(data))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newOnboardCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(app.Stdout)
		},
	}
}

func runOnboard(w io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(w, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "  1. Edit %s to set your API key and channel tokens\n", cfgPath)
	fmt.Fprintln(w, "  2. Or set MIMIC_API_KEY / OPENAI_API_KEY")
	fmt.Fprintln(w, "  3. Run 'mimic ingest --chat <id> --file messages.json' to load history")
	fmt.Fprintln(w, "  4. Run 'mimic gateway' to start suggesting replies")
	return nil
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show mimic configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				fmt.Fprintf(app.Stdout, "Config: error (%v)\n", err)
				return nil
			}
			printStatus(app.Stdout, cfg)
			return nil
		},
	}
}

func printStatus(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(w, "Model: %s\n", cfg.Provider.Model)
	fmt.Fprintf(w, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	embedding := cfg.Embedding.Provider
	if embedding == "" {
		embedding = "auto"
	}
	fmt.Fprintf(w, "Embedding: %s (%s, dim %d)\n", embedding, cfg.Embedding.Model, cfg.Embedding.Dimension)
	fmt.Fprintf(w, "Vector store: %s\n", cfg.VectorStore.Backend)
	fmt.Fprintf(w, "Retention: %d days (raw text stored: %v)\n", cfg.Memory.RetentionDays, cfg.Memory.StoreRawText)
	fmt.Fprintf(w, "Auto-reply: %v\n", cfg.Suggest.AutoReply)
	fmt.Fprintf(w, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(w, "WhatsApp: enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
}

func providerDisplay(t string) string {
	if t == "" {
		return "openai (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
