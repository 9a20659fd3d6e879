package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobindev25/tech-co-founder-sub000/internal/broadcast"
	"github.com/jobindev25/tech-co-founder-sub000/internal/clients"
	"github.com/jobindev25/tech-co-founder-sub000/internal/config"
	"github.com/jobindev25/tech-co-founder-sub000/internal/db"
	"github.com/jobindev25/tech-co-founder-sub000/internal/domain"
	"github.com/jobindev25/tech-co-founder-sub000/internal/engine"
	"github.com/jobindev25/tech-co-founder-sub000/internal/ingest"
	"github.com/jobindev25/tech-co-founder-sub000/internal/migrate"
	"github.com/jobindev25/tech-co-founder-sub000/internal/queue"
	"github.com/jobindev25/tech-co-founder-sub000/internal/repo"
	"github.com/jobindev25/tech-co-founder-sub000/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cofounder",
	Short: "Cofounder pipeline CLI",
	Long: `Cofounder turns finished conversations into built projects.
A conversation webhook opens a project, the durable task queue drives it
through analysis, planning, and an external build, and build webhooks feed
the append-only event ledger that moves the project to completion.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("COFOUNDER")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
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
			path, err := config.WriteDefault(workspace)
			if err != nil {
				fmt.Printf("Database ready at %s (config: %v)\n", db.Path(workspace), err)
				return nil
			}
			fmt.Printf("Database ready at %s, config written to %s\n", db.Path(workspace), path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var queueInterval int
	var noQueue bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, mgr *queue.Manager, cfg *config.Config) error {
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("COFOUNDER_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("COFOUNDER_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:       e,
					Queue:        mgr,
					Conversation: ingest.Ingestor{Secret: cfg.Webhooks.ConversationSecret, Tolerance: cfg.Tolerance(), FutureSkew: cfg.FutureSkew()},
					Build:        ingest.Ingestor{Secret: cfg.Webhooks.BuildSecret, Tolerance: cfg.Tolerance(), FutureSkew: cfg.FutureSkew()},
					BasePath:     basePath,
					Auth:         authCfg,
				})
				if err != nil {
					return err
				}
				if !noQueue {
					go mgr.Run(ctx, time.Duration(queueInterval)*time.Second)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving pipeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().IntVar(&queueInterval, "queue-interval", 2, "seconds between queue cycles")
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "serve the API without the queue worker")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect and control projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectRetryCmd())
	prj.AddCommand(projectCancelCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				items, err := e.Repo.ListProjects(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Conversation", "Name", "Status", "Retries", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ConversationID, p.Name, p.Status, p.RetryCount, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a failed project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				p, err := e.RetryProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				p, err := e.CancelProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Durable task queue"}
	q.AddCommand(queueRunCmd())
	q.AddCommand(queueStatusCmd())
	q.AddCommand(queueTasksCmd())
	return q
}

func queueRunCmd() *cobra.Command {
	var batchSize, maxConcurrency int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one queue cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, _ engine.Engine, mgr *queue.Manager, _ *config.Config) error {
				if batchSize > 0 {
					mgr.BatchSize = batchSize
				}
				if maxConcurrency > 0 {
					mgr.MaxConcurrency = maxConcurrency
				}
				result, err := mgr.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "tasks to fetch this cycle (default from config)")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "parallel executors this cycle (default from config)")
	return cmd
}

func queueStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	}
	return cmd
}

func queueTasksCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Retries", "Next Retry", "Last Error"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Status, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries), deref(t.NextRetryAt), deref(t.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "task type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Build event ledger"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID int64
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				events, err := e.Repo.ListBuildEvents(ctx, repo.EventFilters{ProjectID: projectID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Type", "Seq", "Message", "TS"})
				for _, evt := range events {
					seq := ""
					if evt.SequenceNumber != nil {
						seq = strconv.FormatInt(*evt.SequenceNumber, 10)
					}
					tw.AppendRow(table.Row{evt.ID, evt.ProjectID, evt.Type, seq, evt.Message, evt.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "API key management"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner required")
			}
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				plaintext := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					Owner:   owner,
					Name:    name,
					KeyHash: repo.HashAPIKey(plaintext),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "key owner")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				keys, err := e.Repo.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Owner, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *queue.Manager, _ *config.Config) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

// withStack opens the workspace database, migrates, and wires the engine,
// broadcast channels, external clients, and queue manager.
func withStack(ctx context.Context, fn func(context.Context, engine.Engine, *queue.Manager, *config.Config) error) error {
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e, mgr := buildStack(conn, cfg)
	return fn(ctx, e, mgr, cfg)
}

func buildStack(conn *sql.DB, cfg *config.Config) (engine.Engine, *queue.Manager) {
	e := engine.New(conn, cfg)
	if cfg.AI.BaseURL != "" {
		e.AI = clients.NewAIClient(cfg.AI)
	}
	if cfg.Builder.BaseURL != "" {
		callback := "http://" + cfg.Server.Addr + path.Join("/", cfg.Server.BasePath, "webhooks/build")
		e.Builder = clients.NewBuildClient(cfg.Builder, callback)
	}
	reg := broadcast.NewRegistry(broadcast.LogChannel{})
	for _, ch := range broadcast.RelaysFromConfig(cfg.Broadcast.Relays) {
		reg.Add(ch)
	}
	reg.Add(broadcast.SubscriptionChannel{Repo: e.Repo})
	e.Broadcast = reg

	mgr := queue.NewManager(e.Repo, cfg)
	mgr.Register(domain.TaskAnalyzeConversation, func(ctx context.Context, t domain.QueuedTask) error {
		return e.ExecuteAnalyze(ctx, t.PayloadJSON)
	})
	mgr.Register(domain.TaskGeneratePlan, func(ctx context.Context, t domain.QueuedTask) error {
		return e.ExecuteGeneratePlan(ctx, t.PayloadJSON)
	})
	mgr.Register(domain.TaskTriggerBuild, func(ctx context.Context, t domain.QueuedTask) error {
		return e.ExecuteTriggerBuild(ctx, t.PayloadJSON)
	})
	mgr.Register(domain.TaskProcessWebhook, func(ctx context.Context, t domain.QueuedTask) error {
		return e.ExecuteProcessWebhook(ctx, t.PayloadJSON)
	})
	mgr.Register(domain.TaskSendNotification, func(ctx context.Context, t domain.QueuedTask) error {
		return e.ExecuteSendNotification(ctx, t.PayloadJSON)
	})
	mgr.OnPermanentFailure = func(ctx context.Context, task domain.QueuedTask, cause error) {
		var payload struct {
			ProjectID int64 `json:"project_id"`
		}
		if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil || payload.ProjectID == 0 {
			return
		}
		if err := e.FailProject(ctx, payload.ProjectID, cause.Error()); err != nil {
			fmt.Fprintf(os.Stderr, "fail project %d: %v\n", payload.ProjectID, err)
		}
	}
	return e, mgr
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid project id %q", raw)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
