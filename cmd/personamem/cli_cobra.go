package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/personamem/pkg/config"
	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/dotsetgreg/personamem/pkg/memory"
	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

type rootOptions struct {
	configPath string
	envFile    string
	debug      bool
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "personamem",
		Short: "Per-bot conversational memory: store, recall, contradiction checks and session summaries",
		Long: strings.TrimSpace(`personamem keeps a private long-running memory per bot and user.

Use CLI commands to run the summarization worker, record turns, remember and
recall memories, inspect cross-bot knowledge, and purge memories.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.debug {
				logger.SetLevel(logger.DEBUG)
			}
			return config.LoadEnvFile(opts.envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Config file (.json, .yaml or .yml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Dotenv file exported before the config is loaded")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newRememberCommand(opts))
	root.AddCommand(newTurnCommand(opts))
	root.AddCommand(newRecallCommand(opts))
	root.AddCommand(newSearchCommand(opts))
	root.AddCommand(newPurgeCommand(opts))
	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newBotsCommand(opts))
	root.AddCommand(newAnalyzeCommand(opts))
	root.AddCommand(newJobsCommand(opts))
	root.AddCommand(newSessionsCommand(opts))
	root.AddCommand(newShellCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

// withApp opens the engine for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts.configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseTypes(raw []string) ([]memory.MemoryType, error) {
	out := make([]memory.MemoryType, 0, len(raw))
	for _, r := range raw {
		t := memory.MemoryType(strings.TrimSpace(r))
		if !t.Valid() {
			return nil, fmt.Errorf("unknown memory type %q", r)
		}
		out = append(out, t)
	}
	return out, nil
}

func parseTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339): %w", raw, err)
	}
	return t, nil
}

func toMetadata(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var reloadEvery time.Duration

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"worker"},
		Short:   "Run the summarization worker and idle-session sweep",
		Long:    "Start the memory engine with its background worker. SIGHUP reloads the config file; tuning changes apply live.",
		Example: "  personamem serve --config ~/.personamem/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := openApp(ctx, opts.configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.watcher.Run(ctx, reloadEvery)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigChan)

			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s worker running (backend=%s, queue=%s)\n", appName, a.cfg.Storage.Backend, a.cfg.Queue.Kind)
			for sig := range sigChan {
				if sig == syscall.SIGHUP {
					if err := a.watcher.Reload(); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "Reload failed: %v\n", err)
					}
					continue
				}
				break
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			return nil
		},
	}
	cmd.Flags().DurationVar(&reloadEvery, "reload-interval", 5*time.Second, "How often to check the config file for changes")
	return cmd
}

func newRememberCommand(opts *rootOptions) *cobra.Command {
	var (
		bot, user, session, memType, content, source string
		confidence, significance                     float64
		meta                                         map[string]string
	)

	cmd := &cobra.Command{
		Use:   "remember",
		Short: "Store a memory and report contradicting facts",
		Example: strings.Join([]string{
			"  personamem remember --bot luna --user u1 --content \"My goldfish is named Orion\"",
			"  personamem remember --bot luna --user u1 --type relationship --meta relation=sibling --content \"Sam is my brother\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseTypes([]string{memType})
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.Remember(ctx, memory.Record{
					BotID:        bot,
					UserID:       user,
					SessionID:    session,
					Type:         types[0],
					Content:      content,
					Metadata:     toMetadata(meta),
					Confidence:   confidence,
					Significance: significance,
					Source:       source,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&bot, "bot", "", "Bot ID")
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&session, "session", "", "Session ID")
	cmd.Flags().StringVarP(&memType, "type", "t", string(memory.MemoryFact), "Memory type: fact, conversation or relationship")
	cmd.Flags().StringVar(&content, "content", "", "Memory text")
	cmd.Flags().StringVar(&source, "source", "cli", "Source label")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.9, "Confidence in [0,1]")
	cmd.Flags().Float64Var(&significance, "significance", 0.5, "Significance in [0,1]")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value pairs")
	_ = cmd.MarkFlagRequired("bot")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newTurnCommand(opts *rootOptions) *cobra.Command {
	var (
		bot, user, role, content, at string
		meta                         map[string]string
	)

	cmd := &cobra.Command{
		Use:     "turn",
		Short:   "Record a conversation turn and advance the session window",
		Example: "  personamem turn --bot luna --user u1 --role user --content \"I adopted a cat\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTime(at)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.RecordTurn(ctx, memory.Turn{
					BotID:     bot,
					UserID:    user,
					Role:      role,
					Content:   content,
					Timestamp: ts,
					Metadata:  toMetadata(meta),
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&bot, "bot", "", "Bot ID")
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&role, "role", "user", "Turn role: user or assistant")
	cmd.Flags().StringVar(&content, "content", "", "Turn text")
	cmd.Flags().StringVar(&at, "at", "", "Turn time (RFC3339, default now)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value pairs")
	_ = cmd.MarkFlagRequired("bot")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

type recallFlags struct {
	bot, user, queryType, topic, channel, since, until string
	topK                                               int
	types, preferred                                   []string
	precisionBias                                      float64
}

func (f *recallFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bot, "bot", "", "Bot ID")
	cmd.Flags().StringVar(&f.user, "user", "", "User ID")
	cmd.Flags().StringVar(&f.queryType, "query-type", "", "Force query type: fact_lookup, conversation_recall or general")
	cmd.Flags().IntVarP(&f.topK, "top-k", "k", 8, "Maximum results")
	cmd.Flags().StringSliceVar(&f.types, "type", nil, "Restrict to memory types")
	cmd.Flags().StringVar(&f.topic, "topic", "", "Restrict to a metadata topic")
	cmd.Flags().StringVar(&f.channel, "channel", "", "Restrict to a channel ID")
	cmd.Flags().StringVar(&f.since, "since", "", "Only memories at or after (RFC3339)")
	cmd.Flags().StringVar(&f.until, "until", "", "Only memories at or before (RFC3339)")
	cmd.Flags().StringSliceVar(&f.preferred, "prefer", nil, "Preferred topics for re-ranking")
	cmd.Flags().Float64Var(&f.precisionBias, "precision-bias", 0, "Positive favors precision, negative favors recall")
	_ = cmd.MarkFlagRequired("bot")
	_ = cmd.MarkFlagRequired("user")
}

func (f *recallFlags) request(query string) (memory.RecallRequest, error) {
	types, err := parseTypes(f.types)
	if err != nil {
		return memory.RecallRequest{}, err
	}
	since, err := parseTime(f.since)
	if err != nil {
		return memory.RecallRequest{}, err
	}
	until, err := parseTime(f.until)
	if err != nil {
		return memory.RecallRequest{}, err
	}
	return memory.RecallRequest{
		BotID:     f.bot,
		UserID:    f.user,
		Query:     query,
		QueryType: memory.QueryType(f.queryType),
		TopK:      f.topK,
		Types:     types,
		Since:     since,
		Until:     until,
		Topic:     f.topic,
		ChannelID: f.channel,
		History:   memory.UserHistory{PrecisionBias: f.precisionBias},
		User:      memory.UserContext{Now: time.Now(), PreferredTopics: f.preferred},
	}, nil
}

func newRecallCommand(opts *rootOptions) *cobra.Command {
	flags := &recallFlags{}
	cmd := &cobra.Command{
		Use:     "recall <query>",
		Short:   "Optimize a query, search with the adaptive threshold and re-rank",
		Example: "  personamem recall --bot luna --user u1 \"what is my goldfish called?\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.Recall(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func newSearchCommand(opts *rootOptions) *cobra.Command {
	var (
		bot, user string
		topK      int
		minScore  float64
		vectors   []string
	)
	cmd := &cobra.Command{
		Use:     "search <text>",
		Short:   "Run a raw multi-vector similarity search",
		Example: "  personamem search --bot luna --user u1 --vector content \"goldfish\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				hits, err := a.engine.Store().SearchText(ctx, strings.Join(args, " "), memory.Filter{BotID: bot, UserID: user}, topK, minScore, vectors...)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), hits)
			})
		},
	}
	cmd.Flags().StringVar(&bot, "bot", "", "Bot ID")
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 10, "Maximum results")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Minimum fused similarity")
	cmd.Flags().StringSliceVar(&vectors, "vector", nil, "Vector names to search (default all)")
	_ = cmd.MarkFlagRequired("bot")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var (
		bot, user, session, since, until string
		types                            []string
		meta                             map[string]string
		yes                              bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Hard-delete every memory matching a filter",
		Example: strings.Join([]string{
			"  personamem purge --bot luna --user u1 --yes",
			"  personamem purge --bot luna --type conversation --until 2026-01-01T00:00:00Z --yes",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			mts, err := parseTypes(types)
			if err != nil {
				return err
			}
			s, err := parseTime(since)
			if err != nil {
				return err
			}
			u, err := parseTime(until)
			if err != nil {
				return err
			}
			filter := memory.Filter{BotID: bot, UserID: user, SessionID: session, Types: mts, Since: s, Until: u, Metadata: meta}
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				n, err := a.engine.Store().Delete(ctx, filter)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d memories\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bot, "bot", "", "Bot ID")
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&session, "session", "", "Session ID")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Memory types")
	cmd.Flags().StringVar(&since, "since", "", "Only memories at or after (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "Only memories at or before (RFC3339)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value pairs")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var bot, user string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory statistics for one bot or every bot",
		Example: strings.Join([]string{
			"  personamem stats --bot luna",
			"  personamem stats --user u1",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if bot != "" {
					st, err := a.engine.Store().GetStats(ctx, bot)
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), st)
				}
				return writeJSON(cmd.OutOrStdout(), a.engine.Coordinator().GetBotMemoryStats(ctx, user))
			})
		},
	}
	cmd.Flags().StringVar(&bot, "bot", "", "Bot ID")
	cmd.Flags().StringVar(&user, "user", "", "Restrict per-bot stats to a user")
	return cmd
}

func newBotsCommand(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:     "bots",
		Short:   "List bots holding memories (configured bots included)",
		Example: "  personamem bots --user u1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				for _, b := range a.engine.Coordinator().KnownBots(ctx, user) {
					fmt.Fprintln(cmd.OutOrStdout(), b)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Only bots with memories of this user")
	return cmd
}

func newAnalyzeCommand(opts *rootOptions) *cobra.Command {
	var (
		user, query string
		bots        []string
		topK        int
	)
	cmd := &cobra.Command{
		Use:   "analyze <topic>",
		Short: "Compare what each bot remembers about a topic",
		Example: strings.Join([]string{
			"  personamem analyze --user u1 coffee",
			"  personamem analyze --user u1 --bots luna,orion --query \"favorite drink\" coffee",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := strings.Join(args, " ")
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if len(bots) > 0 || query != "" {
					q := query
					if q == "" {
						q = topic
					}
					targets := bots
					if len(targets) == 0 {
						targets = a.engine.Coordinator().KnownBots(ctx, user)
					}
					res := a.engine.Coordinator().QuerySpecificBots(ctx, q, user, targets, topK)
					out := map[string]interface{}{}
					for bot, r := range res {
						entry := map[string]interface{}{"results": r.Results}
						if r.Err != nil {
							entry["error"] = r.Err.Error()
						}
						out[bot] = entry
					}
					return writeJSON(cmd.OutOrStdout(), out)
				}
				report, err := a.engine.Coordinator().CrossBotAnalysis(ctx, user, topic)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringSliceVar(&bots, "bots", nil, "Query only these bots and print raw results")
	cmd.Flags().StringVar(&query, "query", "", "Query text for raw results (default: the topic)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Maximum results per bot for raw results")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newJobsCommand(opts *rootOptions) *cobra.Command {
	jobsRoot := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and run background jobs",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List queued jobs (sqlite queue only)",
		Example: "  personamem jobs list --status failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.jobs == nil {
					return fmt.Errorf("the %s queue cannot be listed", a.cfg.Queue.Kind)
				}
				jobs, err := a.jobs.ListJobs(ctx, status, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(w, "No jobs.")
					return nil
				}
				for _, j := range jobs {
					line := fmt.Sprintf("%s  %-18s %-9s attempts=%d session=%s", j.ID, j.JobType, j.Status, j.Attempts, j.Payload["session_id"])
					if j.Error != "" {
						line += "  error=" + strconv.Quote(j.Error)
					}
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status: pending, running, completed or failed")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum jobs")

	run := &cobra.Command{
		Use:     "run",
		Short:   "Process one batch of due jobs in the foreground",
		Example: "  personamem jobs run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				n := a.engine.ProcessPendingJobs(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "Completed %d jobs\n", n)
				return nil
			})
		},
	}

	jobsRoot.AddCommand(list, run)
	return jobsRoot
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	sessionsRoot := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation session windows",
	}

	sweep := &cobra.Command{
		Use:     "sweep",
		Short:   "Close sessions idle longer than the keepalive window",
		Example: "  personamem sessions sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				n, err := a.engine.SweepIdleSessions(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Closed %d sessions\n", n)
				return nil
			})
		},
	}

	var bot, user string
	closeCmd := &cobra.Command{
		Use:     "close",
		Short:   "Close the active session of a bot and user",
		Example: "  personamem sessions close --bot luna --user u1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				closed, err := a.engine.Sessions().CloseSession(ctx, bot, user)
				if err != nil {
					return err
				}
				if !closed {
					fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "✓ Session closed")
				return nil
			})
		},
	}
	closeCmd.Flags().StringVar(&bot, "bot", "", "Bot ID")
	closeCmd.Flags().StringVar(&user, "user", "", "User ID")
	_ = closeCmd.MarkFlagRequired("bot")
	_ = closeCmd.MarkFlagRequired("user")

	sessionsRoot.AddCommand(sweep, closeCmd)
	return sessionsRoot
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write the default config to --config",
		Example: "  personamem config init --config ~/.personamem/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.configPath)
			}
			if err := config.SaveConfig(opts.configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Config written to %s\n", opts.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	show := &cobra.Command{
		Use:     "show",
		Short:   "Print the effective config (file + environment)",
		Example: "  personamem config show",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}

	configRoot.AddCommand(initCmd, show)
	return configRoot
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  personamem version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
