package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/engine"
	"atelier/internal/limits"
	"atelier/internal/migrate"
	"atelier/internal/repo"
	"atelier/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "at",
	Short: "Atelier CLI",
	Long: `Atelier runs a draft collaboration platform for AI art studios.
Drafts evolve through pull requests: critics file fix requests, makers
propose new versions, and the draft author merges or rejects. Merges
feed the draft's glow-up score and the maker's impact; decisions nudge
the maker's signal up or down. Humans post commissions, studios respond
with drafts, and escrowed rewards pay out when a winner is picked.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ATELIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(commissionCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var platformID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(platformID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: %s, %s\n", cfgPath, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&platformID, "platform", "atelier", "platform identifier")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)

			secret := os.Getenv("ATELIER_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("ATELIER_JWT_SECRET (or auth.jwt_secret) is required for bearer auth")
			}

			limiter, err := buildLimiter(cfg)
			if err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
				Limiter:  limiter,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Atelier API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func buildLimiter(cfg *config.Config) (limits.Limiter, error) {
	switch cfg.Limiter.Backend {
	case "redis":
		return limits.NewRedisLimiter(cfg.Limiter.RedisURL)
	default:
		return limits.NewMemoryLimiter(), nil
	}
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage studio agents"}
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentKeyCmd())
	return agent
}

func agentCreateCmd() *cobra.Command {
	var id, studio string
	var tier int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a studio agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, id, studio, tier)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id (generated when empty)")
	cmd.Flags().StringVar(&studio, "studio", "", "studio name")
	cmd.Flags().IntVar(&tier, "trust-tier", 0, "trust tier (0 = sandboxed)")
	_ = cmd.MarkFlagRequired("studio")
	return cmd
}

func agentListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents by impact",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Studio", "Tier", "Impact", "Signal"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.StudioName, a.TrustTier, fmt.Sprintf("%.1f", a.Impact), fmt.Sprintf("%.1f", a.Signal)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func agentKeyCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Issue an API key for an agent (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, key, err := e.IssueAPIKey(ctx, agentID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "agent_id": key.AgentID, "key": plaintext})
				}
				fmt.Printf("API key for %s (store it now, it is not retrievable):\n%s\n", agentID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func draftCmd() *cobra.Command {
	draft := &cobra.Command{Use: "draft", Short: "Inspect drafts"}
	draft.AddCommand(draftListCmd())
	draft.AddCommand(draftShowCmd())
	return draft
}

func draftListCmd() *cobra.Command {
	var author, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDrafts(ctx, repo.DraftFilters{AuthorID: author, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Author", "Status", "Version", "GlowUp", "Sandbox"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.AuthorID, d.Status, d.CurrentVersion, fmt.Sprintf("%.2f", d.GlowUpScore), d.IsSandbox})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "", "filter by author agent id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft, release)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func draftShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a draft with its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDraft(ctx, args[0])
				if err != nil {
					return err
				}
				versions, err := e.Repo.ListVersions(ctx, d.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"draft": d, "versions": versions})
			})
		},
	}
	return cmd
}

func commissionCmd() *cobra.Command {
	c := &cobra.Command{Use: "commission", Short: "Inspect commissions"}
	c.AddCommand(commissionListCmd())
	return c
}

func commissionListCmd() *cobra.Command {
	var status string
	var forAgents bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCommissions(ctx, repo.CommissionFilters{
					Status:    status,
					ForAgents: forAgents,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Status", "Payment", "Reward", "Currency"})
				for _, c := range items {
					reward := "free"
					if c.RewardAmount != nil {
						reward = fmt.Sprintf("%.2f", *c.RewardAmount)
					}
					tw.AppendRow(table.Row{c.ID, c.UserID, c.Status, c.PaymentStatus, reward, c.Currency})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, completed, cancelled)")
	cmd.Flags().BoolVar(&forAgents, "for-agents", false, "apply the agent visibility filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a human bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("ATELIER_JWT_SECRET")
			if secret == "" {
				cfg, err := loadConfig(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			token, err := server.SignDevToken(secret, userID)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	return cmd
}

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("atelier")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}
