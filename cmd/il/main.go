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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"intentline/internal/app"
	"intentline/internal/config"
	"intentline/internal/db"
	"intentline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "Intentline CLI",
	Long: `Intentline runs tenant intents as compensating sagas over a durable log.
Core concepts:
- Workspace: your .intentline directory holding the database and config.
- Session: a conversation handle; starts anonymous, upgrades once to a tenant.
- Intent: a declarative request (e.g. ingest_file) executed asynchronously.
- Saga: the ordered steps behind an intent; failures compensate in reverse.
- Contract: a boundary agreement that must be active before external data
  is materialized; contracts expire and their artifacts are purged.
- WAL: the per-tenant ordered event log, the source of truth for replay.`,
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
	viper.SetEnvPrefix("INTENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(walCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fmt.Printf("Workspace ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "Sessions are capability handles. Anonymous sessions work immediately and can be upgraded exactly once to a tenant, carrying their history along.",
	}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionUpgradeCmd())
	s.AddCommand(sessionContextCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session (anonymous unless --tenant is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Lifecycle.CreateSession(ctx, viper.GetString("tenant"), userID, nil)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Lifecycle.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func sessionUpgradeCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "upgrade <id>",
		Short: "Bind an anonymous session to a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant := viper.GetString("tenant")
			if tenant == "" {
				return fmt.Errorf("--tenant required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Lifecycle.UpgradeSession(ctx, args[0], tenant, userID)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	return cmd
}

func sessionContextCmd() *cobra.Command {
	var entries []string
	cmd := &cobra.Command{
		Use:   "context <id>",
		Short: "Merge key=value entries into the session context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv := map[string]string{}
			for _, entry := range entries {
				key, value, _ := strings.Cut(entry, "=")
				if key == "" {
					return fmt.Errorf("invalid entry %q, want key=value", entry)
				}
				kv[key] = value
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Lifecycle.UpdateSessionContext(ctx, args[0], kv)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringArrayVar(&entries, "set", []string{}, "key=value (empty value removes the key, repeatable)")
	return cmd
}

func intentCmd() *cobra.Command {
	i := &cobra.Command{Use: "intent", Short: "Submit intents"}
	i.AddCommand(intentSubmitCmd())
	i.AddCommand(intentTypesCmd())
	return i
}

func intentSubmitCmd() *cobra.Command {
	var sessionID, intentType, solutionID, paramsJSON string
	var params []string
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an intent for asynchronous execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &payload); err != nil {
					return fmt.Errorf("parse --params-json: %w", err)
				}
			}
			for _, entry := range params {
				key, value, ok := strings.Cut(entry, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid param %q, want key=value", entry)
				}
				payload[key] = value
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				exec, err := rt.Lifecycle.SubmitIntent(ctx, sessionID, viper.GetString("tenant"), intentType, solutionID, payload, nil)
				if err != nil {
					return err
				}
				// Anonymous work holds until the session is upgraded;
				// waiting on it here would never return.
				if wait && exec.TenantID != "" {
					rt.Lifecycle.Wait()
					s, err := rt.Lifecycle.GetSession(ctx, sessionID)
					if err != nil {
						return err
					}
					exec, err = rt.Lifecycle.GetExecution(ctx, s.TenantID, exec.ID)
					if err != nil {
						return err
					}
				}
				return printJSON(exec)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&intentType, "type", "", "intent type")
	cmd.Flags().StringVar(&solutionID, "solution", "", "solution id")
	cmd.Flags().StringArrayVar(&params, "param", []string{}, "parameter key=value (repeatable)")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "parameters as JSON object")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the execution settles")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func intentTypesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "List registered intent types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printJSON(rt.Registry.Types())
			})
		},
	}
	return cmd
}

func execCmd() *cobra.Command {
	e := &cobra.Command{Use: "exec", Short: "Inspect intent executions"}
	e.AddCommand(execStatusCmd())
	e.AddCommand(execCancelCmd())
	e.AddCommand(execWatchCmd())
	return e
}

func execStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				exec, err := rt.Lifecycle.GetExecution(ctx, requireTenantFlag(), args[0])
				if err != nil {
					return err
				}
				return printJSON(exec)
			})
		},
	}
	return cmd
}

func execCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				exec, err := rt.Lifecycle.CancelExecution(ctx, requireTenantFlag(), args[0])
				if err != nil {
					return err
				}
				rt.Lifecycle.Wait()
				exec, err = rt.Lifecycle.GetExecution(ctx, requireTenantFlag(), exec.ID)
				if err != nil {
					return err
				}
				return printJSON(exec)
			})
		},
	}
	return cmd
}

func execWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Stream execution snapshots until terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ch, cancel, err := rt.Lifecycle.Watch(ctx, requireTenantFlag(), args[0])
				if err != nil {
					return err
				}
				defer cancel()
				for exec := range ch {
					if err := printJSON(exec); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func walCmd() *cobra.Command {
	w := &cobra.Command{Use: "wal", Short: "Inspect the tenant event log"}
	w.AddCommand(walTailCmd())
	w.AddCommand(walReplayCmd())
	return w
}

func walTailCmd() *cobra.Command {
	var from int64
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Read tenant events in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				tenant := requireTenantFlag()
				start := from
				if start <= 0 {
					head, err := rt.WAL.Head(ctx, tenant)
					if err != nil {
						return err
					}
					start = head - int64(limit) + 1
					if start < 1 {
						start = 1
					}
				}
				events, err := rt.WAL.Read(ctx, tenant, start, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "TS", "Payload"})
				for _, evt := range events {
					payload, _ := json.Marshal(evt.Payload)
					tw.AppendRow(table.Row{evt.Sequence, evt.Type, evt.TS, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "start sequence (0 tails the end)")
	cmd.Flags().IntVar(&limit, "n", 20, "number of events")
	return cmd
}

func walReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild execution snapshots from the tenant log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Lifecycle.ReplayTenant(ctx, requireTenantFlag())
				if err != nil {
					return err
				}
				fmt.Printf("Restored %d executions\n", n)
				return nil
			})
		},
	}
	return cmd
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Inspect boundary contracts"}
	c.AddCommand(contractListCmd())
	c.AddCommand(contractReapCmd())
	return c
}

func contractListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenant contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Repo.ListContracts(ctx, requireTenantFlag(), 100)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Source", "Status", "Type", "Expires"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.SourceType + ":" + c.SourceID, c.Status, c.MaterializationType, c.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contractReapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Expire overdue contracts and purge their artifacts now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Reaper.ReapOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d contracts\n", n)
				return nil
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage materialization policy"}
	p.AddCommand(policySetCmd())
	return p
}

func policySetCmd() *cobra.Command {
	var ruleJSON, solutionID string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the tenant (or solution) policy rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rule config.PolicyRule
			if err := json.Unmarshal([]byte(ruleJSON), &rule); err != nil {
				return fmt.Errorf("parse --rule-json: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Policy.SetTenantPolicy(ctx, requireTenantFlag(), solutionID, rule); err != nil {
					return err
				}
				fmt.Println("policy updated")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ruleJSON, "rule-json", "", "policy rule as JSON")
	cmd.Flags().StringVar(&solutionID, "solution", "", "scope the rule to a solution")
	_ = cmd.MarkFlagRequired("rule-json")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := uuid.New().String() + uuid.New().String()
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, err := rt.Repo.CreateAPIKey(ctx, requireTenantFlag(), userID, name, raw)
				if err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				return printJSON(map[string]any{"id": key.ID, "tenant_id": key.TenantID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			rt, err := app.Open(cmd.Context(), workspace, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.StartBackground(cmd.Context())

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("INTENTLINE_JWT_SECRET"), DevMode: dev}
			if authCfg.JWTSecret == "" && !dev {
				return fmt.Errorf("INTENTLINE_JWT_SECRET is required for bearer auth (or run with --dev)")
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = "dev-secret"
			}
			handler, err := server.New(server.Config{Runtime: rt, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Intentline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable the dev token endpoint")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	rt, err := app.Open(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func requireTenantFlag() string {
	return viper.GetString("tenant")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
