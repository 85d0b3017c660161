package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reqline/internal/api"
	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/keystore"
	"reqline/internal/migrate"
	"reqline/internal/repo"
	"reqline/internal/requestor"
	"reqline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rq",
	Short: "Reqline requestor CLI",
	Long: `Reqline negotiates compute agreements on a market API and drives the
resulting activity to completion.

A run is one full pass: import the node key into the admin API, publish a
demand, accept the first proposal that satisfies the hard constraints,
confirm the agreement, then create/deploy/start/run/destroy the activity.
Outcomes land in the workspace database (.reqline) as runs, reports and a
run log; 'rq serve' exposes them over HTTP.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REQLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("admin-url", "", "admin API base URL (overrides config)")
	rootCmd.PersistentFlags().String("market-url", "", "market API base URL (overrides config)")
	rootCmd.PersistentFlags().String("activity-url", "", "activity API base URL (overrides config)")
	rootCmd.PersistentFlags().String("app-key", "", "API bearer key (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("admin-url", rootCmd.PersistentFlags().Lookup("admin-url"))
	_ = viper.BindPFlag("market-url", rootCmd.PersistentFlags().Lookup("market-url"))
	_ = viper.BindPFlag("activity-url", rootCmd.PersistentFlags().Lookup("activity-url"))
	_ = viper.BindPFlag("app-key", rootCmd.PersistentFlags().Lookup("app-key"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one requestor run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			eng := requestor.New(conn, cfg, verboseLog())
			run, runErr := eng.Run(cmd.Context())
			if runErr != nil {
				fmt.Fprintf(os.Stderr, "run %s failed (%s): %v\n", run.ID, run.FailureKind, runErr)
				return fmt.Errorf("run failed: %s", run.FailureKind)
			}
			report, err := eng.Repo.GetReport(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage the node identity key"}
	key.AddCommand(keyImportCmd())
	key.AddCommand(keyShowCmd())
	return key
}

func keyImportCmd() *cobra.Command {
	var keyHex, nodeID string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a node key into the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if keyHex == "" {
				keyHex = cfg.Identity.Key
			}
			if nodeID == "" {
				nodeID = cfg.Identity.NodeID
			}
			admin := api.New(cfg.API.AdminURL, cfg.API.AppKey)
			admin.Verbose = verboseLog()
			ks := keystore.New(admin)
			if err := ks.ImportKey(cmd.Context(), keyHex, nodeID); err != nil {
				return err
			}
			identity, _ := ks.Identity()
			return printJSON(identity)
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "key material (hex)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node id (hex)")
	return cmd
}

func keyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the configured node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(domain.NodeIdentity{Key: maskKey(cfg.Identity.Key), NodeID: cfg.Identity.NodeID})
		},
	}
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect run history"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				items, err := r.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRunsTable(items)
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "max runs")
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				run, err := r.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(run)
			})
		},
	}
	runs.AddCommand(list)
	runs.AddCommand(show)
	return runs
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{Use: "report", Short: "Inspect execution reports"}
	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's execution report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				rep, err := r.GetReport(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(rep)
			})
		},
	}
	report.AddCommand(show)
	return report
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the run log"}
	var n int
	var evtType, entityKind, runID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(func(r repo.Repo) error {
				events, err := r.LatestEvents(cmd.Context(), n, runID, evtType, entityKind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderEventsTable(events)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&runID, "run", "", "run id")
	logc.AddCommand(tail)
	return logc
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage requestor.yml"}
	initc := &cobra.Command{
		Use:   "init",
		Short: "Write a default requestor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			c.Identity.Key = maskKey(c.Identity.Key)
			c.API.AppKey = maskKey(c.API.AppKey)
			return printJSON(c)
		},
	}
	cfg.AddCommand(initc)
	cfg.AddCommand(show)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("REQLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("REQLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Repo: r, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), r, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving run history on http://%s%s\n", addr, basePath)
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

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("admin-url"); v != "" {
		cfg.API.AdminURL = v
	}
	if v := viper.GetString("market-url"); v != "" {
		cfg.API.MarketURL = v
	}
	if v := viper.GetString("activity-url"); v != "" {
		cfg.API.ActivityURL = v
	}
	if v := viper.GetString("app-key"); v != "" {
		cfg.API.AppKey = v
	}
	return cfg, nil
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withRepo(fn func(repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(repo.Repo{DB: conn})
}

func verboseLog() bool {
	level := strings.ToLower(viper.GetString("log"))
	return level == "debug" || level == "trace"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func maskKey(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

func renderRunsTable(runs []domain.Run) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "STATUS", "KIND", "AGREEMENT", "ACTIVITY", "STARTED", "FINISHED"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID, run.Status, run.FailureKind,
			deref(run.AgreementID), deref(run.ActivityID),
			run.StartedAt, deref(run.FinishedAt),
		})
	}
	t.Render()
}

func renderEventsTable(events []domain.Event) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "TS", "TYPE", "RUN", "ENTITY", "PAYLOAD"})
	for _, evt := range events {
		t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.RunID, evt.EntityKind, evt.Payload})
	}
	t.Render()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
