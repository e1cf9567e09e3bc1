// ABOUTME: Entry point for coven-desk, the conversation routing node
// ABOUTME: Provides serve, agents, conversations, token and version commands

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-desk/internal/app"
	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/registry"
	"github.com/2389/coven-desk/internal/store"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

const banner = `
                                    _           _
  ___ _____   _____ _ __         __| | ___  ___| | __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' |/ _ \/ __| |/ /
| (_| (_) \ V /  __/ | | |_____| (_| |  __/\__ \   <
 \___\___/ \_/ \___|_| |_|      \__,_|\___||___/_|\_\
`

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coven-desk",
		Short:         "coven-desk routes visitor conversations to agents and a chatbot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $"+config.EnvConfigPath+" or ./coven-desk.yaml)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newAgentsCmd(&configPath))
	cmd.AddCommand(newConversationsCmd(&configPath))
	cmd.AddCommand(newTokenCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-desk %s (commit: %s)\n", Version, Commit)
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the routing node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cmd.OutOrStdout(), resolveConfigPath(*configPath))
		},
	}
}

func newAgentsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agents <skill>",
		Short: "List agents able to take a new conversation in a skill group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgents(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(*configPath), args[0])
		},
	}
}

func newConversationsCmd(configPath *string) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List recorded conversations from the history database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversations(cmd.Context(), cmd.OutOrStdout(), resolveConfigPath(*configPath), strings.ToUpper(status), limit)
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only conversations in this status (PENDING, INSERVICE, TRANSFERRING, END)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of conversations to list")
	return cmd
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		operator bool
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <principal-id>",
		Short: "Mint a bearer token for an agent (or an operator with --operator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := auth.RoleAgent
			if operator {
				role = auth.RoleOperator
			}
			return runToken(cmd.OutOrStdout(), resolveConfigPath(*configPath), auth.Principal{ID: args[0], Role: role}, ttl)
		},
	}
	cmd.Flags().BoolVar(&operator, "operator", false, "mint an operator token that may act for any agent")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

// resolveConfigPath returns the config file path.
// Priority: --config flag > COVEN_DESK_CONFIG env var > ./coven-desk.yaml
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
		return envPath
	}
	return "coven-desk.yaml"
}

func runServe(ctx context.Context, out io.Writer, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Fprint(out, banner)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "    version: %s\n\n", Version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	line("State", cfg.State.Backend)
	line("Database", cfg.Database.Path)
	if cfg.AMQP.Enabled {
		line("AMQP", cfg.AMQP.URL)
	}
	if cfg.Chatbot.Enabled {
		line("Chatbot", cfg.Chatbot.BaseURL)
	} else {
		green.Fprint(out, "    ▶ ")
		yellow.Fprintln(out, "Chatbot:   disabled, unassigned visitors wait for an agent")
	}
	fmt.Fprintln(out)

	logger.Info("starting coven-desk",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"state_backend", cfg.State.Backend)

	node, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	return node.Run(ctx)
}

func runAgents(ctx context.Context, out io.Writer, configPath, skill string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.State.Backend == config.BackendMemory {
		return fmt.Errorf("agents needs a shared state backend; state.backend is %q", cfg.State.Backend)
	}

	st, err := app.OpenState(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New(st.Backend, st.Locks, slog.New(slog.NewTextHandler(io.Discard, nil)))
	agents, err := reg.ListBySkill(ctx, skill)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	return printAgents(out, agents)
}

func printAgents(out io.Writer, agents []*registry.Status) error {
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents in this skill group")
		return nil
	}
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tNAME\tAVAILABILITY\tLOAD\tACCEPTING")
	for _, a := range agents {
		accepting := yellow.Sprint("no")
		if a.Accepting() {
			accepting = green.Sprint("yes")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", a.AgentID, a.Name, a.Availability, a.Load(), a.Capacity, accepting)
	}
	return w.Flush()
}

func runConversations(ctx context.Context, out io.Writer, configPath, status string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	convs, err := db.ListConversations(ctx, status, limit)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONVERSATION\tVISITOR\tSKILL\tSTATUS\tAGENT\tBOT TURNS\tBOT ERRORS\tUPDATED")
	for _, c := range convs {
		agent := c.AgentID
		switch {
		case c.AwaitingAgent:
			agent = "(waiting)"
		case agent == "":
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			c.ID, c.VisitorID, c.SkillGroup, c.Status, agent,
			c.ChatbotTurns, c.ChatbotErrors, c.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runToken(out io.Writer, configPath string, p auth.Principal, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not set; authentication is disabled")
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Server.JWTSecret)).Generate(p, ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
