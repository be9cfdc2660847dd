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

	"greenlight/internal/config"
	"greenlight/internal/db"
	"greenlight/internal/domain"
	"greenlight/internal/engine"
	"greenlight/internal/migrate"
	"greenlight/internal/repo"
	"greenlight/internal/runner"
	"greenlight/internal/schema"
	"greenlight/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "greenlight",
	Short: "Greenlight CLI",
	Long: `Greenlight routes change requests through human approval before execution.
- Workspace: your .greenlight directory holding the database.
- Project: a tenant scope mapped to identity-provider groups; requests belong to one.
- Request: a proposed CREATE/UPDATE/DELETE with payload objects validated against a registered schema.
- Approval: requests wait as APPROVAL_PENDING until someone approves them; failed requests can be re-approved.
- Runner: tails the change feed and executes approved requests against the downstream endpoint.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GREENLIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("subject", "local-user", "acting subject")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("subject", rootCmd.PersistentFlags().Lookup("subject"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name string
	var groups []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, name, groups)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique project name")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "identity-provider group (repeatable)")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Groups", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, strings.Join(p.Groups, ","), p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-name>",
		Short: "Show project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id-or-name>",
		Short: "Delete project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				if err := r.DeleteProject(ctx, p.ID); err != nil {
					return err
				}
				fmt.Printf("deleted project %s\n", p.Name)
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage requests"}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestApproveCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var requestType, action, project, objectsFile string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestType == "" {
				return fmt.Errorf("--type required")
			}
			if project == "" {
				return fmt.Errorf("--project required")
			}
			var objects []json.RawMessage
			switch {
			case objectsFile != "":
				data, err := os.ReadFile(objectsFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &objects); err != nil {
					return fmt.Errorf("objects file must be a JSON array: %w", err)
				}
			case len(args) > 0:
				for _, arg := range args {
					if !json.Valid([]byte(arg)) {
						return fmt.Errorf("object %q is not valid JSON", arg)
					}
					objects = append(objects, json.RawMessage(arg))
				}
			default:
				return fmt.Errorf("pass objects as JSON arguments or with --objects-file")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.SubmitRequest(ctx, engine.SubmitOptions{
					RequestType: requestType,
					Action:      domain.Action(strings.ToUpper(action)),
					Subject:     viper.GetString("subject"),
					ProjectRef:  project,
					Objects:     objects,
				})
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "", "request type (see 'greenlight schema list')")
	cmd.Flags().StringVar(&action, "action", "CREATE", "CREATE, UPDATE or DELETE")
	cmd.Flags().StringVar(&project, "project", "", "project id or name")
	cmd.Flags().StringVar(&objectsFile, "objects-file", "", "JSON array of request objects")
	return cmd
}

func requestListCmd() *cobra.Command {
	var status, project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items []domain.Request
				var err error
				switch {
				case status == string(domain.StatusApprovalPending):
					items, err = r.RequestsForApproval(ctx)
				case project != "":
					var p domain.Project
					p, err = r.ResolveProject(ctx, project)
					if err != nil {
						return err
					}
					items, err = r.RequestsForProject(ctx, p.ID)
				default:
					items, err = r.AllRequests(ctx)
				}
				if err != nil {
					return err
				}
				if status != "" && status != string(domain.StatusApprovalPending) {
					filtered := items[:0]
					for _, req := range items {
						if string(req.Status) == status {
							filtered = append(filtered, req)
						}
					}
					items = filtered
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Project", "Action", "Status", "Subject", "Date"})
				for _, req := range items {
					tw.AppendRow(table.Row{req.ID, req.RequestType, req.ProjectName, req.Action, req.Status, req.Subject, req.RequestDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&project, "project", "", "project id or name")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				req, err := r.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	return cmd
}

func requestApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id> [id...]",
		Short: "Approve pending or failed requests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ApproveRequests(ctx, args, viper.GetString("subject"))
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	return cmd
}

func feedCmd() *cobra.Command {
	feed := &cobra.Command{Use: "feed", Short: "Inspect the change feed"}
	feed.AddCommand(feedTailCmd())
	return feed
}

func feedTailCmd() *cobra.Command {
	var cursor int64
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print change feed entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for {
					changes, err := r.ChangesAfter(ctx, cursor, 100)
					if err != nil {
						return err
					}
					for _, c := range changes {
						fmt.Printf("%d\t%s\t%s\t%s\t%s\n", c.ID, c.TS, c.Op, c.RequestID, c.Status)
						cursor = c.ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
				}
			})
		},
	}
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "start after this change id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new entries")
	return cmd
}

func schemaCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schema", Short: "Inspect registered request schemas"}
	sc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered request types",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			for _, t := range reg.Types() {
				fmt.Println(t)
			}
			return nil
		},
	})
	return sc
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			e := engine.New(conn, reg)
			authCfg := server.AuthConfig{
				JWTSecret:          cfg.Server.JWTSecret,
				AllowSubjectHeader: cfg.Server.AllowSubjectHeader,
			}
			if secret := os.Getenv("GREENLIGHT_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowSubjectHeader {
				return fmt.Errorf("GREENLIGHT_JWT_SECRET is required when the X-Subject header is disabled")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Greenlight API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func runCmd() *cobra.Command {
	var executorURL string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the approval watcher and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if executorURL != "" {
				cfg.Runner.Executor.URL = executorURL
			}
			if cfg.Runner.Executor.URL == "" {
				return fmt.Errorf("executor url required (--executor-url or runner.executor.url in greenlight.yml)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r := runner.New(e, runner.Options{
					Consumer:      cfg.Runner.Consumer,
					QueueCapacity: cfg.Runner.QueueCapacity,
					Workers:       cfg.Runner.Workers,
					PollInterval:  cfg.PollInterval(),
					Executor:      runner.NewHTTPExecutor(cfg.Runner.Executor.URL, cfg.ExecutorTimeout()),
				})
				fmt.Printf("Running %d workers against %s\n", cfg.Runner.Workers, cfg.Runner.Executor.URL)
				return r.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&executorURL, "executor-url", "", "downstream execution endpoint")
	return cmd
}

func newRegistry() (*schema.Registry, error) {
	reg, err := schema.Builtin()
	if err != nil {
		return nil, err
	}
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if cfg.SchemaDir != "" {
		if err := reg.LoadDir(cfg.SchemaDir); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, reg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
