package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signflow/internal/app"
	"signflow/internal/config"
	"signflow/internal/consensus"
	"signflow/internal/domain"
	"signflow/internal/engine"
	"signflow/internal/logging"
	"signflow/internal/provider"
	"signflow/internal/repo"
	"signflow/internal/server"
	"signflow/internal/webhook"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Signflow CLI",
	Long: `Signflow sends quote documents out for electronic signature and tracks
the answers of every signer.
- Settings: the one active provider (local, remote_a, remote_b) and its credentials.
- Documents: pending until sent, then sent until every signer signs (signed),
  one signer declines (declined) or an operator expires them (expired).
- Webhooks: providers call POST /v1/webhooks/{provider}; replays are harmless.
- Event log: every transition is recorded, view with 'sf doc events'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory (holds signflow.yml and .signflow/)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in events")
	rootCmd.PersistentFlags().String("database-driver", "", "sqlite or postgres (overrides config)")
	rootCmd.PersistentFlags().String("database-dsn", "", "postgres DSN (overrides config)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API tokens (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "database-driver", "database-dsn", "jwt-secret", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(tokenCmd())
}

// loadConfig reads signflow.yml from the workspace and applies flag and
// SIGNFLOW_* environment overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "." || cfg.Database.Workspace == "" {
		cfg.Database.Workspace = workspace
	}
	if v := viper.GetString("database-driver"); v != "" {
		cfg.Database.Driver = v
	}
	if v := viper.GetString("database-dsn"); v != "" {
		cfg.Database.DSN = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type runtime struct {
	cfg       *config.Config
	store     repo.Store
	providers *provider.Registry
	engine    engine.Engine
	logger    *slog.Logger
}

func withEngine(ctx context.Context, fn func(context.Context, runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if _, err := app.ResolveSettings(ctx, store, cfg, viper.GetString("actor-id")); err != nil {
		return err
	}
	providers := provider.NewRegistry(nil)
	e := engine.New(store, cfg, providers)
	e.Logger = logger
	return fn(ctx, runtime{cfg: cfg, store: store, providers: providers, engine: e, logger: logger})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage signflow.yml",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default signflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
	cfg.AddCommand(initCmd, showCmd)
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, closeStore, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			closeStore()
			fmt.Printf("%s schema up to date\n", cfg.Database.Driver)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				if addr == "" {
					addr = rt.cfg.Server.Addr
				}
				if basePath == "" {
					basePath = rt.cfg.Server.BasePath
				}
				if rt.cfg.Server.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret (or SIGNFLOW_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.engine,
					Ingestor: webhook.Ingestor{Engine: rt.engine, Documents: rt.store, Providers: rt.providers, Logger: rt.logger},
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: rt.cfg.Server.JWTSecret, Logger: rt.logger},
					Logger:   rt.logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.logger.Info("serving signflow API", "addr", addr, "base_path", basePath, "driver", rt.cfg.Database.Driver)
				fmt.Printf("Serving signflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func settingsCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or replace the signature provider settings",
	}
	s.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show active settings (credentials redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				cur, err := rt.engine.Settings(ctx)
				if err != nil {
					return err
				}
				return printSettings(cur.Redacted())
			})
		},
	})

	var input settingsFlags
	set := &cobra.Command{
		Use:   "set",
		Short: "Test and replace settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				saved, err := rt.engine.UpdateSettings(ctx, input.settings(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printSettings(saved.Redacted())
			})
		},
	}
	input.bind(set)

	var testInput settingsFlags
	test := &cobra.Command{
		Use:   "test",
		Short: "Check settings against their provider without saving",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				candidate := testInput.settings()
				if candidate.Provider == "" {
					cur, err := rt.engine.Settings(ctx)
					if err != nil {
						return err
					}
					candidate = cur
				}
				err := rt.engine.TestConnection(ctx, candidate)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": err == nil, "provider": candidate.Provider, "error": errString(err)})
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s connection OK\n", candidate.Provider)
				return nil
			})
		},
	}
	testInput.bind(test)

	s.AddCommand(set, test)
	return s
}

type settingsFlags struct {
	provider    string
	credentials map[string]string
	webhookURL  string
}

func (f *settingsFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "local, remote_a or remote_b")
	cmd.Flags().StringToStringVar(&f.credentials, "credential", nil, "credential key=value (repeatable)")
	cmd.Flags().StringVar(&f.webhookURL, "webhook-url", "", "public webhook URL registered with the provider")
}

func (f *settingsFlags) settings() domain.SignatureSettings {
	return domain.SignatureSettings{
		Provider:    domain.Provider(f.provider),
		Credentials: f.credentials,
		WebhookURL:  f.webhookURL,
	}
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:   "doc",
		Short: "Manage signature documents",
	}
	doc.AddCommand(docCreateCmd())
	doc.AddCommand(docSendCmd())
	doc.AddCommand(docGetCmd())
	doc.AddCommand(docListCmd())
	doc.AddCommand(docExpireCmd())
	doc.AddCommand(docEventsCmd())
	doc.AddCommand(docSignerEventCmd("sign", domain.SignerSigned))
	doc.AddCommand(docSignerEventCmd("decline", domain.SignerDeclined))
	doc.AddCommand(docRefreshCmd())
	return doc
}

func docCreateCmd() *cobra.Command {
	var opts engine.CreateDocumentOptions
	var signers []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending document",
		Example: `  sf doc create --quote Q-1 --url https://files.example.com/q-1.pdf \
    --signer name=Alice,email=alice@example.com,role=customer \
    --signer id=B,name=Bob,email=bob@example.com,role=consultant`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range signers {
				s, err := parseSigner(raw)
				if err != nil {
					return err
				}
				opts.Signers = append(opts.Signers, s)
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				d, err := rt.engine.CreateDocument(ctx, opts)
				if err != nil {
					return err
				}
				return printDocument(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.QuoteID, "quote", "", "quote id")
	cmd.Flags().StringVar(&opts.DocumentURL, "url", "", "document URL")
	cmd.Flags().StringArrayVar(&signers, "signer", nil, "signer as id=,name=,email=,role= (repeatable, id optional)")
	_ = cmd.MarkFlagRequired("quote")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// parseSigner reads "key=value,key=value" with keys id, name, email, role.
func parseSigner(raw string) (engine.SignerInput, error) {
	var s engine.SignerInput
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return s, fmt.Errorf("invalid signer %q: expected key=value pairs", raw)
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "id":
			s.ID = v
		case "name":
			s.Name = v
		case "email":
			s.Email = v
		case "role":
			s.Role = v
		default:
			return s, fmt.Errorf("invalid signer %q: unknown key %q", raw, k)
		}
	}
	return s, nil
}

func docSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <document-id>",
		Short: "Register a pending document with its provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				envelope, err := rt.engine.SendForSignature(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"document_id": args[0], "envelope_id": envelope})
				}
				fmt.Printf("document %s sent (envelope %s)\n", args[0], envelope)
				return nil
			})
		},
	}
}

func docGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <document-id>",
		Short: "Show a document and its signers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				d, err := rt.engine.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printDocument(d)
			})
		},
	}
}

func docListCmd() *cobra.Command {
	var f repo.DocumentFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				f.Status = domain.Status(status)
				if !f.Status.Valid() {
					return fmt.Errorf("invalid --status %q", status)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				docs, err := rt.engine.ListDocuments(ctx, f)
				if err != nil {
					return err
				}
				return printDocuments(docs)
			})
		},
	}
	cmd.Flags().StringVar(&f.QuoteID, "quote", "", "quote id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func docExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire <document-id>",
		Short: "Expire a sent document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				d, err := rt.engine.ExpireDocument(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDocument(d)
			})
		},
	}
}

func docEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <document-id>",
		Short: "Show the audit trail of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				evs, err := rt.engine.DocumentEvents(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Payload"})
				for _, e := range evs {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.ID, e.TS.Format(time.RFC3339), e.Type, e.ActorID, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 100, "number of events")
	return cmd
}

func docSignerEventCmd(use string, state domain.SignerState) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <document-id> <signer-id>",
		Short: fmt.Sprintf("Record that a signer %s", state),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				d, out, err := rt.engine.ApplySignerEvent(ctx, args[0], consensus.SignerEvent{
					SignerID: args[1],
					State:    state,
					Reason:   reason,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !out.Changed() && !viper.GetBool("json") {
					fmt.Println("already recorded; nothing changed")
				}
				return printDocument(d)
			})
		},
	}
	if state == domain.SignerDeclined {
		cmd.Flags().StringVar(&reason, "reason", "", "decline reason")
	}
	return cmd
}

func docRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <document-id>",
		Short: "Poll the provider for signer state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				res, err := rt.engine.Refresh(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("applied %d, ignored %d\n", res.Applied, res.Ignored)
				return printDocument(res.Document)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire sent documents older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				ids, err := rt.engine.ExpireStale(ctx, olderThan, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"expired": ids})
				}
				fmt.Printf("expired %d document(s)\n", len(ids))
				for _, id := range ids {
					fmt.Println(" ", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "expire documents sent longer ago than this (e.g. 720h)")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}

func pollCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Refresh every sent document from providers that support polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt runtime) error {
				sum, err := rt.engine.RefreshSent(ctx, concurrency)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Checked", "Applied", "Unsupported", "Failed"})
				tw.AppendRow(table.Row{sum.Checked, sum.Applied, sum.Unsupported, sum.Failed})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum polls in flight")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actor string
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(cfg.Server.JWTSecret, actor, roles, perms, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"admin"}, "roles: admin, consultant, viewer")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "extra permissions")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

// --- helpers ---

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printDocuments(docs []domain.SignatureDocument) error {
	if viper.GetBool("json") {
		if docs == nil {
			docs = []domain.SignatureDocument{}
		}
		return printJSON(docs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Quote", "Status", "Provider", "Envelope", "Signed", "Created"})
	for _, d := range docs {
		tw.AppendRow(table.Row{d.ID, d.QuoteID, d.Status, d.Provider, stringOrEmpty(d.EnvelopeID), signedCount(d), d.CreatedAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func printDocument(d domain.SignatureDocument) error {
	if viper.GetBool("json") {
		return printJSON(d)
	}
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s  quote=%s  status=%s  provider=%s  envelope=%s", d.ID, d.QuoteID, d.Status, d.Provider, stringOrEmpty(d.EnvelopeID)))
	tw.AppendHeader(table.Row{"Signer", "Name", "Email", "Role", "Signed", "Declined", "Reason"})
	for _, s := range d.Signers {
		tw.AppendRow(table.Row{s.ID, s.Name, s.Email, s.Role, timeOrEmpty(s.SignedAt), timeOrEmpty(s.DeclinedAt), stringOrEmpty(s.DeclinedReason)})
	}
	tw.Render()
	return nil
}

func printSettings(s domain.SignatureSettings) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("provider=%s  webhook_url=%s  updated=%s", s.Provider, s.WebhookURL, timeOrEmpty(s.UpdatedAt)))
	tw.AppendHeader(table.Row{"Credential", "Value"})
	keys := make([]string, 0, len(s.Credentials))
	for k := range s.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tw.AppendRow(table.Row{k, s.Credentials[k]})
	}
	tw.Render()
	return nil
}

func signedCount(d domain.SignatureDocument) string {
	n := 0
	for _, s := range d.Signers {
		if s.Signed {
			n++
		}
	}
	return fmt.Sprintf("%d/%d", n, len(d.Signers))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
