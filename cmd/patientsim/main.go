package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/spfa-lab/patientsim/internal/auth"
	"github.com/spfa-lab/patientsim/internal/handler"
	appI18n "github.com/spfa-lab/patientsim/internal/i18n"
	"github.com/spfa-lab/patientsim/internal/llm"
	"github.com/spfa-lab/patientsim/internal/llm/prompts"
	"github.com/spfa-lab/patientsim/internal/model"
	"github.com/spfa-lab/patientsim/internal/store"
	"github.com/spfa-lab/patientsim/internal/telemetry"
	"github.com/spfa-lab/patientsim/internal/training"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "patientsim",
		Short:        "Simulated patient interviews for pharmacy students",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, migrateCmd(), exportCmd(), userCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "patientsim.db", "SQLite database path or postgres:// URL")
	f.String("db-sslmode", "", "sslmode applied to postgres URLs (disable, require, verify-full, ...)")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	addLogFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("jwt-secret", "", "Secret used to sign session tokens (required)")
	f.Bool("secure-cookies", true, "Set Secure flag on the auth cookie")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the LLM endpoint")
	f.String("llm-chat-model", "gpt-4o-mini", "Model that plays the patient")
	f.String("llm-cases-model", "", "Model that drafts cases (defaults to the chat model)")
	f.Int("llm-max-tokens", 200, "Maximum tokens per patient reply")
	f.Float64("price-input-per-mtok", 0, "Input price in EUR per million tokens")
	f.Float64("price-output-per-mtok", 0, "Output price in EUR per million tokens")
	f.Bool("skip-llm-check", false, "Do not check the LLM endpoint at startup")
	f.StringP("lang", "l", appI18n.DefaultLang, "Default language for messages and feedback (es, en)")
	f.String("trace-exporter", telemetry.ExporterNone, "Trace exporter (none, stdout, otlp)")
	f.String("admin-email", "", "Email of the admin seeded into an empty database")
	f.String("admin-password", "", "Password of the seeded admin (or set PATIENTSIM_ADMIN_PASSWORD)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE:  runMigrate,
	}
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finished sessions as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	addLogFlags(cmd)
	f := cmd.Flags()
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.StringP("lang", "l", appI18n.DefaultLang, "Language for the summary line")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user account",
		RunE:  runUserAdd,
	}
	addStoreFlags(add)
	addLogFlags(add)
	f := add.Flags()
	f.String("email", "", "Login email (required)")
	f.String("name", "", "Display name")
	f.String("role", string(model.UserRoleStudent), "Role (student, teacher, admin)")
	f.String("password", "", "Password (or set PATIENTSIM_PASSWORD)")
	_ = add.MarkFlagRequired("email")

	cmd.AddCommand(add)
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PATIENTSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("patientsim")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/patientsim")
	v.AddConfigPath("/etc/patientsim")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	db, err := store.Open(ctx, store.Options{
		DSN:     v.GetString("db"),
		SSLMode: v.GetString("db-sslmode"),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{Exporter: v.GetString("trace-exporter")})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	issuer, err := auth.NewIssuer(v.GetString("jwt-secret"), auth.TokenLifetime)
	if err != nil {
		return fmt.Errorf("%w: set --jwt-secret or PATIENTSIM_JWT_SECRET", err)
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-email"), v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.Load(); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	llmClient := llm.New(llm.Config{
		BaseURL:    v.GetString("llm-url"),
		APIKey:     v.GetString("llm-key"),
		ChatModel:  v.GetString("llm-chat-model"),
		CasesModel: v.GetString("llm-cases-model"),
		MaxTokens:  v.GetInt("llm-max-tokens"),
		Pricing: llm.Pricing{
			InputPerMTok:  v.GetFloat64("price-input-per-mtok"),
			OutputPerMTok: v.GetFloat64("price-output-per-mtok"),
		},
	})
	if !v.GetBool("skip-llm-check") {
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-chat-model"))
	}

	h := handler.New(db, training.New(db, llmClient), issuer, model.ServerConfig{
		SecureCookies: v.GetBool("secure-cookies"),
		Lang:          lang,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "patientsim"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"dialect", db.Dialect(),
			"chat_model", v.GetString("llm-chat-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"secure_cookies", v.GetBool("secure-cookies"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := openStore(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := db.Migrate(cmd.Context())
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, db.Dialect())
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportFinishedSessions(ctx)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info(appI18n.Tp(ctx, "export_done", len(export.Sessions)), "output", outPath)
	return nil
}

func runUserAdd(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	role := model.UserRole(strings.ToLower(strings.TrimSpace(v.GetString("role"))))
	if !role.IsValid() {
		return fmt.Errorf("invalid role %q (want student, teacher or admin)", role)
	}
	password := v.GetString("password")
	if password == "" {
		return errors.New("password is required: set --password or PATIENTSIM_PASSWORD")
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := createUser(ctx, db, v.GetString("email"), v.GetString("name"), password, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created user %d\n", id)
	return nil
}

func createUser(ctx context.Context, db *store.Store, email, name, password string, role model.UserRole) (int64, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return 0, errors.New("email is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	if name == "" {
		name = email
	}
	id, err := db.CreateUser(ctx, model.User{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
	})
	if store.IsUniqueViolation(err) {
		return 0, fmt.Errorf("user %s already exists", strings.ToLower(email))
	}
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// seedAdmin creates the first admin account when the user table is empty.
func seedAdmin(ctx context.Context, db *store.Store, email, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if email == "" || password == "" {
		slog.Warn("no users exist; set --admin-email and --admin-password to seed an admin, or use `patientsim user add`")
		return nil
	}

	if _, err := createUser(ctx, db, email, "Administrador", password, model.UserRoleAdmin); err != nil {
		return err
	}
	slog.Info("seeded default admin user", "email", strings.ToLower(email))
	return nil
}
