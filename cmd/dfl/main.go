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

	"dealflow/internal/app"
	"dealflow/internal/audit"
	"dealflow/internal/classify"
	"dealflow/internal/config"
	"dealflow/internal/dates"
	"dealflow/internal/db"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/mailparse"
	"dealflow/internal/migrate"
	"dealflow/internal/notify"
	"dealflow/internal/repo"
	"dealflow/internal/server"
	"dealflow/internal/sla"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "dfl",
	Short: "Dealflow CLI",
	Long: `Dealflow drives property deals from signed EOI to executed contract.
Core concepts:
- Workspace: the directory holding dealflow.yml and the .dealflow database; everything is local.
- Deal: one lot purchase, identified by LOT<n>_<ADDRESS>; its canonical EOI fields never change after creation.
- Events: classified emails (contract arrived, validation passed, solicitor approved, DocuSign milestones) move the deal through the state machine; rejected events are recorded, not lost.
- Contracts: each vendor contract is a numbered revision; a new revision supersedes the old one and restarts validation.
- Validation: 'dfl compare' checks contract fields against the EOI and scores mismatches; a clean pass can auto-send to the solicitor.
- SLA: once a contract is released for signing, a buyer-signature deadline is tracked and swept; overdue deals raise an alert event.
- Drafts: outbound emails (solicitor review, vendor release, discrepancy alert, SLA overdue) are rendered deterministically, never sent.`,
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
	viper.SetEnvPrefix("DEALFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor recorded as event source")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(compareCmd())
	rootCmd.AddCommand(resolveDateCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a dealflow workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", cfgPath)
			} else if err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			fmt.Printf("Initialised dealflow workspace: config %s, database %s\n", cfgPath, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func dealCmd() *cobra.Command {
	deal := &cobra.Command{
		Use:   "deal",
		Short: "Manage deals",
		Long:  "Deals are lot purchases tracked through the workflow. Create one from an EOI extraction result, apply classified events, and read the audit timeline.",
	}
	deal.AddCommand(dealCreateCmd())
	deal.AddCommand(dealListCmd())
	deal.AddCommand(dealShowCmd())
	deal.AddCommand(dealApplyCmd())
	deal.AddCommand(dealSetStateCmd())
	deal.AddCommand(dealTimelineCmd())
	return deal
}

func dealCreateCmd() *cobra.Command {
	var eoiPath, id, status, vendorEmail, solicitorEmail, source string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deal from an EOI extraction result",
		RunE: func(cmd *cobra.Command, args []string) error {
			canonical, err := canonicalFromFile(eoiPath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDeal(ctx, engine.DealCreateOptions{
					DealID:         id,
					Canonical:      canonical,
					Status:         status,
					VendorEmail:    vendorEmail,
					SolicitorEmail: solicitorEmail,
					Source:         sourceOr(source),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&eoiPath, "eoi", "", "path to EOI extraction result JSON")
	cmd.Flags().StringVar(&id, "id", "", "deal id (derived from lot and address when omitted)")
	cmd.Flags().StringVar(&status, "status", "", "initial state (defaults to EOI_RECEIVED)")
	cmd.Flags().StringVar(&vendorEmail, "vendor-email", "", "vendor email")
	cmd.Flags().StringVar(&solicitorEmail, "solicitor-email", "", "solicitor email")
	cmd.Flags().StringVar(&source, "source", "", "event source")
	_ = cmd.MarkFlagRequired("eoi")
	return cmd
}

func dealListCmd() *cobra.Command {
	var f repo.DealFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deals, err := e.Repo.ListDeals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Deal", "Status", "Ver", "SLA Deadline", "Updated"})
				for _, d := range deals {
					deadline := ""
					if d.SLADeadline != nil {
						deadline = d.SLADeadline.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{d.DealID, d.Status.String(), d.CurrentVersion, deadline, d.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func dealShowCmd() *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <deal>",
		Short: "Show a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				if !withEvents {
					d.Events = nil
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the audit trail")
	return cmd
}

func dealApplyCmd() *cobra.Command {
	var event, source, at, filename, appointment, comparisonPath string
	var contractVersion int
	var autoSend bool
	cmd := &cobra.Command{
		Use:   "apply <deal>",
		Short: "Apply a workflow event to a deal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dealID := args[0]
			ts, err := optionalTime(at)
			if err != nil {
				return err
			}
			tc := engine.TransitionContext{
				Filename:      filename,
				AppointmentAt: appointment,
			}
			if cmd.Flags().Changed("version") {
				tc.Version = &contractVersion
			}
			if cmd.Flags().Changed("auto-send") {
				tc.AutoSendToSolicitor = &autoSend
			}
			if comparisonPath != "" {
				cmp, err := comparisonFromFile(comparisonPath)
				if err != nil {
					return err
				}
				tc.Comparison = cmp
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ApplyEvent(ctx, dealID, event, engine.ApplyEventOptions{
					Source:    sourceOr(source),
					Timestamp: ts,
					Context:   tc,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Applied {
					fmt.Printf("%s: %s applied, state %s\n", dealID, engine.NormalizeEvent(event), res.Deal.Status)
				} else {
					fmt.Printf("%s: %s rejected: %s\n", dealID, engine.NormalizeEvent(event), res.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "event name (aliases accepted)")
	cmd.Flags().StringVar(&source, "source", "", "event source")
	cmd.Flags().StringVar(&at, "at", "", "event timestamp (RFC 3339)")
	cmd.Flags().IntVar(&contractVersion, "version", 0, "contract revision for contract arrivals")
	cmd.Flags().StringVar(&filename, "file", "", "contract filename for contract arrivals")
	cmd.Flags().StringVar(&appointment, "appointment", "", "solicitor appointment (RFC 3339)")
	cmd.Flags().StringVar(&comparisonPath, "comparison", "", "path to comparison result JSON")
	cmd.Flags().BoolVar(&autoSend, "auto-send", false, "override the auto-send-to-solicitor policy")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func dealSetStateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "set-state <deal> <state>",
		Short: "Override a deal state manually",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !viper.GetBool("force") {
				return fmt.Errorf("manual state override bypasses the state machine; re-run with --force")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SetState(ctx, args[0], args[1], reason, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the override is needed")
	return cmd
}

func dealTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <deal>",
		Short: "Show a deal's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Timeline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				renderTimeline(events)
				return nil
			})
		},
	}
	return cmd
}

func slaCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sla",
		Short: "Manage buyer-signature deadlines",
		Long:  "SLA timers track the buyer DocuSign deadline derived from the solicitor appointment. Register on approval, cancel on signature, sweep for overdue deals.",
	}
	s.AddCommand(slaRegisterCmd())
	s.AddCommand(slaCancelCmd())
	s.AddCommand(slaPendingCmd())
	s.AddCommand(slaSweepCmd())
	s.AddCommand(slaMonitorCmd())
	return s
}

func slaRegisterCmd() *cobra.Command {
	var appointment, source string
	cmd := &cobra.Command{
		Use:   "register <deal>",
		Short: "Register an SLA timer from a solicitor appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				monitor := sla.Monitor{Engine: e}
				deadline, err := monitor.RegisterTimer(ctx, args[0], appointment, sourceOr(source), nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"deal_id":      args[0],
					"sla_deadline": deadline.Format(time.RFC3339),
				})
			})
		},
	}
	cmd.Flags().StringVar(&appointment, "appointment", "", "appointment datetime (RFC 3339)")
	cmd.Flags().StringVar(&source, "source", "", "event source")
	_ = cmd.MarkFlagRequired("appointment")
	return cmd
}

func slaCancelCmd() *cobra.Command {
	var reason, source string
	cmd := &cobra.Command{
		Use:   "cancel <deal>",
		Short: "Cancel a deal's SLA timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				monitor := sla.Monitor{Engine: e}
				if err := monitor.CancelTimer(ctx, args[0], reason, sourceOr(source)); err != nil {
					return err
				}
				d, err := e.Repo.GetDeal(ctx, args[0])
				if err != nil {
					return err
				}
				d.Events = nil
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	cmd.Flags().StringVar(&source, "source", "", "event source")
	return cmd
}

func slaPendingCmd() *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List deals with due SLA deadlines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				at, err := timeOrNow(e, now)
				if err != nil {
					return err
				}
				pending, err := e.Repo.PendingSLAChecks(ctx, at)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pending)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Deal", "Deadline"})
				for _, p := range pending {
					tw.AppendRow(table.Row{p.DealID, p.Deadline.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "evaluate as of this time (RFC 3339)")
	return cmd
}

func slaSweepCmd() *cobra.Command {
	var now, source string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fire SLA_OVERDUE on every due deal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				at, err := timeOrNow(e, now)
				if err != nil {
					return err
				}
				monitor := sla.Monitor{Engine: e}
				fired, err := monitor.EvaluateDue(ctx, at, sourceOr(source))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"checked_at": at.Format(time.RFC3339),
					"fired":      fired,
				})
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "evaluate as of this time (RFC 3339)")
	cmd.Flags().StringVar(&source, "source", "", "event source")
	return cmd
}

func slaMonitorCmd() *cobra.Command {
	var interval time.Duration
	var source string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Sweep for overdue deadlines on a timer until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !cmd.Flags().Changed("interval") {
					interval = e.Config.SweepInterval()
				}
				monitor := sla.Monitor{Engine: e}
				monitor.Run(ctx, interval, sourceOr(source))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "sweep interval")
	cmd.Flags().StringVar(&source, "source", "sla_monitor", "event source")
	return cmd
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <file>",
		Short: "Classify an email message into a workflow event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			msg, err := mailparse.ParseFile(args[0])
			if err != nil {
				return err
			}
			result := classify.Classifier{Threshold: cfg.Threshold()}.Classify(msg)
			return printJSONOrTable(result)
		},
	}
	return cmd
}

func compareCmd() *cobra.Command {
	var eoiPath, contractPath string
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare contract fields against the EOI baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			eoi, err := docFromFile(eoiPath)
			if err != nil {
				return err
			}
			contract, err := docFromFile(contractPath)
			if err != nil {
				return err
			}
			cmp, err := audit.Compare(eoi, contract)
			if err != nil {
				return err
			}
			return printJSONOrTable(cmp)
		},
	}
	cmd.Flags().StringVar(&eoiPath, "eoi", "", "path to EOI extraction result JSON")
	cmd.Flags().StringVar(&contractPath, "contract", "", "path to contract extraction result JSON")
	_ = cmd.MarkFlagRequired("eoi")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}

func resolveDateCmd() *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "resolve-date <phrase>",
		Short: "Resolve an appointment phrase like \"Thursday at 11:30am\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			baseTime, err := domain.ParseTime(base)
			if err != nil {
				return fmt.Errorf("--base: %w", err)
			}
			resolved, ok := dates.ResolveAppointment(baseTime, args[0], cfg.Timezone())
			if !ok {
				return fmt.Errorf("could not resolve %q", args[0])
			}
			return printJSONOrTable(map[string]any{
				"phrase":   args[0],
				"base":     baseTime.Format(time.RFC3339),
				"resolved": resolved.Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "reference datetime the phrase is relative to (RFC 3339)")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func draftCmd() *cobra.Command {
	var dealID string
	cmd := &cobra.Command{
		Use:   "draft <kind>",
		Short: "Render a notification draft for a deal",
		Long:  "Kinds: CONTRACT_TO_SOLICITOR, VENDOR_RELEASE_REQUEST, DISCREPANCY_ALERT, SLA_OVERDUE_ALERT.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDeal(ctx, dealID)
				if err != nil {
					return err
				}
				draft, err := buildDraft(strings.ToUpper(args[0]), e, d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(draft)
				}
				fmt.Print(draft.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dealID, "deal", "", "deal id")
	_ = cmd.MarkFlagRequired("deal")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Open(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			cfg := ac.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8799"
			}
			authCfg := server.AuthConfig{
				Enabled:   cfg.Server.Auth.Enabled,
				JWTSecret: cfg.Server.Auth.JWTSecret,
			}
			if secret := os.Getenv("DEALFLOW_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.Enabled && authCfg.JWTSecret == "" {
				return fmt.Errorf("server.auth.enabled is set but no JWT secret; set server.auth.jwt_secret or DEALFLOW_JWT_SECRET")
			}
			handler, err := server.New(server.Config{Engine: ac.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if cfg.SLA.SweepIntervalSeconds > 0 {
				monitor := sla.Monitor{Engine: ac.Engine}
				go monitor.Run(cmd.Context(), cfg.SweepInterval(), "sla_monitor")
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Dealflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr, then 127.0.0.1:8799)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auth",
		Short: "Manage API credentials",
	}
	apikey := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyRevokeCmd())
	a.AddCommand(apikey)
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actor, label string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor")
			}
			secret := "dfk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: actor,
				Name:    label,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.EnsureActor(ctx, domain.Actor{ID: actor}); err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": actor, "name": label, "key": secret})
				}
				fmt.Printf("API key %s for %s\n", key.ID, actor)
				fmt.Printf("Secret (store it now, it is not kept): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor)")
	cmd.Flags().StringVar(&label, "label", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys for this actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dfl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac.Engine)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func sourceOr(source string) string {
	if source != "" {
		return source
	}
	return viper.GetString("actor")
}

func optionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := domain.ParseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timeOrNow(e engine.Engine, raw string) (time.Time, error) {
	if raw == "" {
		if e.Now != nil {
			return e.Now(), nil
		}
		return time.Now().UTC(), nil
	}
	return domain.ParseTime(raw)
}

func docFromFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// canonicalFromFile unwraps the extractor output shape: the canonical fields
// either are the document or sit under its "fields" key.
func canonicalFromFile(path string) (map[string]any, error) {
	doc, err := docFromFile(path)
	if err != nil {
		return nil, err
	}
	if fields, ok := doc["fields"].(map[string]any); ok {
		return fields, nil
	}
	return doc, nil
}

func comparisonFromFile(path string) (*domain.ComparisonResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cmp domain.ComparisonResult
	if err := json.Unmarshal(data, &cmp); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cmp, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTimeline(events []domain.DealEvent) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Time", "Event", "Transition", "Source", "OK", "Reason"})
	for _, ev := range events {
		transition := ""
		if ev.OldState != nil && ev.NewState != nil {
			transition = *ev.OldState + " -> " + *ev.NewState
		} else if ev.OldState != nil {
			transition = *ev.OldState
		}
		ok := ""
		if ev.Success {
			ok = "yes"
		}
		tw.AppendRow(table.Row{ev.Timestamp.Format(time.RFC3339), ev.EventType, transition, ev.Source, ok, ev.Reason})
	}
	tw.Render()
}

func buildDraft(kind string, e engine.Engine, d *domain.Deal) (notify.Draft, error) {
	p := dealDraftParams(e, d)
	switch kind {
	case notify.KindContractToSolicitor:
		return notify.ContractToSolicitor(p), nil
	case notify.KindVendorRelease:
		return notify.VendorRelease(p), nil
	case notify.KindDiscrepancyAlert:
		return notify.DiscrepancyAlert(p, storedComparison(d)), nil
	case notify.KindSLAOverdue:
		return notify.SLAOverdue(p), nil
	default:
		return notify.Draft{}, fmt.Errorf("unknown draft kind %q", kind)
	}
}

func dealDraftParams(e engine.Engine, d *domain.Deal) notify.Params {
	now := time.Now().UTC()
	if e.Now != nil {
		now = e.Now()
	}
	p := notify.Params{
		LotNumber:      domain.CanonicalString(d.Canonical, "property.lot_number"),
		Address:        domain.CanonicalString(d.Canonical, "property.address"),
		SolicitorName:  domain.CanonicalString(d.Canonical, "solicitor.name"),
		SolicitorEmail: d.SolicitorEmail,
		VendorName:     domain.CanonicalString(d.Canonical, "vendor.name"),
		VendorEmail:    d.VendorEmail,
		Now:            now,
	}
	if p.SolicitorEmail == "" {
		p.SolicitorEmail = domain.CanonicalString(d.Canonical, "solicitor.email")
	}
	for _, key := range []string{"purchaser_1.full_name", "purchaser_2.full_name"} {
		if name := domain.CanonicalString(d.Canonical, key); name != "" {
			p.PurchaserNames = append(p.PurchaserNames, name)
		}
	}
	if c := d.Contracts[d.CurrentVersion]; c != nil {
		p.ContractFilename = c.Filename
	}
	if e.Config != nil {
		p.Company = e.Config.Notify.Company
		p.SupportAddr = e.Config.Notify.SupportAddress
		p.SystemAddr = e.Config.Notify.SystemAddress
	}
	if d.SolicitorAppointment != nil {
		p.AppointmentAt = notify.FormatAppointment(*d.SolicitorAppointment)
	}
	if d.SLADeadline != nil {
		p.Deadline = notify.FormatAppointment(*d.SLADeadline)
		if now.After(*d.SLADeadline) {
			p.Overdue = notify.FormatOverdue(now.Sub(*d.SLADeadline))
		}
	}
	return p
}

func storedComparison(d *domain.Deal) *domain.ComparisonResult {
	c := d.Contracts[d.CurrentVersion]
	if c == nil {
		return nil
	}
	cmp := &domain.ComparisonResult{
		ContractVersion: fmt.Sprintf("V%d", c.Version),
		SourceFile:      c.Filename,
		RiskScore:       c.RiskScore,
		MismatchCount:   len(c.Mismatches),
		Mismatches:      c.Mismatches,
	}
	if c.IsValid != nil {
		cmp.IsValid = *c.IsValid
	}
	return cmp
}

// --- simulate ---

func simulateCmd() *cobra.Command {
	var slaOverdue bool
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the Lot 95 walkthrough end to end",
		Long: `Simulate creates the Lot 95 demo deal and drives it through the whole
workflow: a discrepant V1 contract, a discrepancy alert, an amended clean V2,
solicitor approval with an appointment, DocuSign release and buyer signature.
With --sla-overdue the buyer never signs and the deadline sweep fires instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return runSimulation(ctx, e, slaOverdue)
			})
		},
	}
	cmd.Flags().BoolVar(&slaOverdue, "sla-overdue", false, "end with an overdue deadline instead of a signature")
	return cmd
}

func runSimulation(ctx context.Context, e engine.Engine, slaOverdue bool) error {
	source := "simulate-" + strings.Split(uuid.NewString(), "-")[0]

	createdAt := simTime("2025-01-10T10:00:00+11:00")
	d, err := e.CreateDeal(ctx, engine.DealCreateOptions{
		Canonical: simCanonical(),
		Source:    source,
		Timestamp: &createdAt,
	})
	if err != nil {
		return fmt.Errorf("create demo deal (simulate needs a fresh workspace): %w", err)
	}
	dealID := d.DealID
	fmt.Printf("Created %s in %s\n", dealID, d.Status)

	step := func(label, event string, at time.Time, tc engine.TransitionContext) error {
		res, err := e.ApplyEvent(ctx, dealID, event, engine.ApplyEventOptions{
			Source:    source,
			Timestamp: &at,
			Context:   tc,
		})
		if err != nil {
			return err
		}
		if !res.Applied {
			return fmt.Errorf("%s rejected: %s", event, res.Reason)
		}
		fmt.Printf("  %-36s -> %s\n", label, res.Deal.Status)
		return nil
	}
	printDraft := func(kind string) error {
		d, err := e.Repo.GetDeal(ctx, dealID)
		if err != nil {
			return err
		}
		draft, err := buildDraft(kind, e, d)
		if err != nil {
			return err
		}
		fmt.Printf("  draft %-30s    %s\n", kind+":", draft.Subject)
		return nil
	}

	// V1 arrives with deliberate discrepancies and fails validation.
	if err := step("contract V1 from vendor", domain.EventContractFromVendor,
		simTime("2025-01-11T09:30:00+11:00"),
		engine.TransitionContext{Filename: "Contract_V1.pdf"}); err != nil {
		return err
	}
	cmpV1, err := audit.Compare(simEOIDoc(), simContractDoc("V1", "Contract_V1.pdf", simContractV1Fields()))
	if err != nil {
		return err
	}
	fmt.Printf("  compared V1: %d mismatches, risk %s\n", cmpV1.MismatchCount, cmpV1.RiskScore)
	if err := step("validation failed", domain.EventValidationFailed,
		simTime("2025-01-11T09:35:00+11:00"),
		engine.TransitionContext{Comparison: cmpV1}); err != nil {
		return err
	}
	if err := step("discrepancy alert sent", domain.EventDiscrepancyAlertSent,
		simTime("2025-01-11T09:40:00+11:00"), engine.TransitionContext{}); err != nil {
		return err
	}
	if err := printDraft(notify.KindDiscrepancyAlert); err != nil {
		return err
	}
	if err := step("awaiting amended contract", domain.EventAuto,
		simTime("2025-01-11T09:41:00+11:00"), engine.TransitionContext{}); err != nil {
		return err
	}

	// The amended V2 validates clean and auto-sends to the solicitor.
	if err := step("contract V2 from vendor", domain.EventContractFromVendor,
		simTime("2025-01-13T15:00:00+11:00"),
		engine.TransitionContext{Filename: "Contract_V2.pdf"}); err != nil {
		return err
	}
	cmpV2, err := audit.Compare(simEOIDoc(), simContractDoc("V2", "Contract_V2.pdf", simCanonical()))
	if err != nil {
		return err
	}
	fmt.Printf("  compared V2: %d mismatches, risk %s\n", cmpV2.MismatchCount, cmpV2.RiskScore)
	if err := step("validation passed", domain.EventValidationPassed,
		simTime("2025-01-13T15:05:00+11:00"),
		engine.TransitionContext{Comparison: cmpV2}); err != nil {
		return err
	}
	if err := printDraft(notify.KindContractToSolicitor); err != nil {
		return err
	}

	// The solicitor replies with a relative appointment phrase.
	base := simTime("2025-01-14T09:12:00+11:00")
	appointment, ok := dates.ResolveAppointment(base, "Thursday at 11:30am", e.Config.Timezone())
	if !ok {
		return fmt.Errorf("could not resolve appointment phrase")
	}
	fmt.Printf("  resolved \"Thursday at 11:30am\" -> %s\n", appointment.Format(time.RFC3339))
	if err := step("solicitor approved", domain.EventSolicitorApproved,
		simTime("2025-01-14T09:15:00+11:00"),
		engine.TransitionContext{AppointmentAt: appointment.Format(time.RFC3339)}); err != nil {
		return err
	}
	if err := step("DocuSign release requested", domain.EventDocuSignReleaseRequest,
		simTime("2025-01-14T09:30:00+11:00"), engine.TransitionContext{}); err != nil {
		return err
	}
	if err := printDraft(notify.KindVendorRelease); err != nil {
		return err
	}
	if deal, err := e.Repo.GetDeal(ctx, dealID); err == nil && deal.SLADeadline != nil {
		fmt.Printf("  buyer signature deadline: %s\n", deal.SLADeadline.Format(time.RFC3339))
	}
	if err := step("DocuSign released", domain.EventDocuSignReleased,
		simTime("2025-01-14T10:00:00+11:00"), engine.TransitionContext{}); err != nil {
		return err
	}

	if slaOverdue {
		// The buyer never signs; the sweep at the deadline raises the alert.
		deal, err := e.Repo.GetDeal(ctx, dealID)
		if err != nil {
			return err
		}
		if deal.SLADeadline == nil {
			return fmt.Errorf("no SLA deadline registered")
		}
		monitor := sla.Monitor{Engine: e}
		fired, err := monitor.EvaluateDue(ctx, *deal.SLADeadline, source)
		if err != nil {
			return err
		}
		fmt.Printf("  sweep at %s fired %v\n", deal.SLADeadline.Format(time.RFC3339), fired)
		if err := printDraft(notify.KindSLAOverdue); err != nil {
			return err
		}
	} else {
		if err := step("buyer signed", domain.EventDocuSignBuyerSigned,
			simTime("2025-01-17T14:00:00+11:00"), engine.TransitionContext{}); err != nil {
			return err
		}
		if err := step("contract executed", domain.EventDocuSignExecuted,
			simTime("2025-01-17T16:00:00+11:00"), engine.TransitionContext{}); err != nil {
			return err
		}
	}

	final, err := e.Repo.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(final)
	}
	fmt.Printf("\nFinal state: %s\n\n", final.Status)
	renderTimeline(final.Events)
	return nil
}

func simTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// simCanonical is the Lot 95 EOI baseline used by the walkthrough.
func simCanonical() map[string]any {
	return map[string]any{
		"property": map[string]any{
			"lot_number": "95",
			"address":    "Fake Rise VIC 3336",
		},
		"pricing": map[string]any{
			"total_price":   447250,
			"land_price":    204250,
			"build_price":   243000,
			"tenancy_split": "50/50",
		},
		"finance": map[string]any{
			"is_subject_to_finance": true,
			"terms":                 "30 days",
		},
		"purchaser_1": map[string]any{
			"first_name": "Jordan",
			"last_name":  "Woods",
			"full_name":  "Jordan Woods",
			"email":      "jordan.woods@example.com",
			"mobile":     "0400 111 222",
		},
		"purchaser_2": map[string]any{
			"first_name": "Riley",
			"last_name":  "Woods",
			"full_name":  "Riley Woods",
			"email":      "riley.woods@example.com",
			"mobile":     "0400 333 444",
		},
		"solicitor": map[string]any{
			"firm_name":    "Harper & Cole Legal",
			"contact_name": "Tessa Harper",
			"name":         "Tessa Harper",
			"email":        "tessa@harpercole-legal.com.au",
			"phone":        "03 9000 0000",
		},
		"vendor": map[string]any{
			"name":  "Buildwell Developments",
			"email": "contracts@buildwell.com.au",
		},
		"deposits": map[string]any{
			"eoi_deposit":     1000,
			"build_deposit":   12150,
			"balance_deposit": 31575,
			"total_deposit":   44725,
		},
	}
}

// simContractV1Fields mutates the baseline into the discrepant first draft:
// transposed lot number, inflated build and total price, finance flag flipped,
// a typo in the purchaser email.
func simContractV1Fields() map[string]any {
	fields := simCanonical()
	fields["property"].(map[string]any)["lot_number"] = "59"
	pricing := fields["pricing"].(map[string]any)
	pricing["total_price"] = 451250
	pricing["build_price"] = 247000
	fields["finance"].(map[string]any)["is_subject_to_finance"] = false
	fields["purchaser_1"].(map[string]any)["email"] = "jordan.wods@example.com"
	return fields
}

func simEOIDoc() map[string]any {
	return map[string]any{
		"source_file": "EOI_Lot95.pdf",
		"fields":      simCanonical(),
	}
}

func simContractDoc(version, sourceFile string, fields map[string]any) map[string]any {
	return map[string]any{
		"contract_version": version,
		"source_file":      sourceFile,
		"fields":           fields,
	}
}
