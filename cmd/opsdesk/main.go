package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/opsdesk/internal/config"
	"github.com/ehr/opsdesk/internal/domain/appointment"
	"github.com/ehr/opsdesk/internal/domain/bed"
	"github.com/ehr/opsdesk/internal/domain/billing"
	"github.com/ehr/opsdesk/internal/domain/feed"
	"github.com/ehr/opsdesk/internal/domain/lookup"
	"github.com/ehr/opsdesk/internal/domain/systemhealth"
	"github.com/ehr/opsdesk/internal/platform/apperr"
	"github.com/ehr/opsdesk/internal/platform/db"
	"github.com/ehr/opsdesk/internal/platform/middleware"
	"github.com/ehr/opsdesk/internal/platform/remote"
	"github.com/ehr/opsdesk/internal/platform/session"
	"github.com/ehr/opsdesk/internal/platform/telemetry"
	"github.com/ehr/opsdesk/internal/platform/websocket"
	"github.com/ehr/opsdesk/internal/workspace"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "opsdesk",
		Short: "Hospital operations desk backend",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the operations desk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run journal database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

func printMigrations(out io.Writer, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, at := "pending", ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "applied (file changed since)"
			}
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, at)
	}
	_ = w.Flush()
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and retry bed releases that billed but did not free the bed",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			ctx := cmd.Context()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			entries, err := bed.NewPGJournal(pool).List(ctx, all)
			if err != nil {
				return err
			}
			printReconciliations(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	listCmd.Flags().Bool("all", false, "Include resolved entries")
	cmd.AddCommand(listCmd)

	retryCmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry the bed flip of an open entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, _ := cmd.Flags().GetString("token")
			subject, _ := cmd.Flags().GetString("subject")
			return runRetry(cmd, args[0], token, subject)
		},
	}
	retryCmd.Flags().String("token", os.Getenv("OPSDESK_TOKEN"), "Bearer token used against the system of record")
	retryCmd.Flags().String("subject", "", "Operator subject for opaque tokens")
	cmd.AddCommand(retryCmd)
	return cmd
}

func runRetry(cmd *cobra.Command, id, token, subject string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if token == "" {
		token = cfg.ServiceToken
	}
	cred, err := session.ParseCredential(token, session.ParseOptions{
		SigningKey:      []byte(cfg.AuthSigningKey),
		Issuer:          cfg.AuthIssuer,
		FallbackSubject: subject,
	})
	if err != nil {
		return err
	}

	ctx := session.NewContext(cmd.Context(), cred)
	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := newLogger(cfg)
	client, err := remote.New(remoteConfig(cfg), session.NewManager(logger), logger)
	if err != nil {
		return err
	}
	rates, err := cfg.Rates()
	if err != nil {
		return err
	}
	engine := billing.NewEngine(client.Bills(), rates, logger)
	coordinator := bed.NewCoordinator(client.Beds(), engine, bed.NewPGJournal(pool), logger,
		bed.WithRetry(cfg.ReleaseRetryAttempts, cfg.ReleaseRetryBackoff))

	entry, err := coordinator.RetryReconciliation(ctx, id)
	if err != nil {
		return err
	}
	printReconciliations(cmd.OutOrStdout(), []bed.Reconciliation{*entry})
	return nil
}

func printReconciliations(out io.Writer, entries []bed.Reconciliation) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBED\tPATIENT\tBILL\tATTEMPTS\tSTATUS\tCAUSE")
	for _, e := range entries {
		status := "open"
		if !e.Open() {
			status = "resolved"
		}
		bill := e.BillID
		if bill == "" {
			bill = "unknown"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", e.ID, e.BedNumber, e.PatientID, bill, e.Attempts, status, e.Cause)
	}
	_ = w.Flush()
}

// openPool connects to DATABASE_URL, which the journal commands require.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set; the reconciliation journal is in memory")
	}
	return db.NewPool(ctx, poolConfig(cfg))
}

func poolConfig(cfg *config.Config) db.Config {
	return db.Config{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: 5 * time.Second,
	}
}

func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		BaseURL:      cfg.APIBaseURL,
		Timeout:      cfg.APITimeout,
		ServiceToken: cfg.ServiceToken,
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(level)
	}
	return logger
}

func workspaceSettings(cfg *config.Config, rates billing.Rates) workspace.Settings {
	s := workspace.DefaultSettings()
	s.AppointmentPoll = cfg.AppointmentPollInterval
	s.FeedPoll = cfg.FeedPollInterval
	s.HealthPoll = cfg.HealthPollInterval
	s.SearchDebounce = cfg.SearchDebounce
	s.ReleaseAttempts = cfg.ReleaseRetryAttempts
	s.ReleaseBackoff = cfg.ReleaseRetryBackoff
	s.Rates = rates
	if len(cfg.PrivilegedAccounts) > 0 {
		s.PrivilegedAccounts = cfg.PrivilegedAccounts
	}
	return s
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	rates, err := cfg.Rates()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := telemetry.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sessions := session.NewManager(logger)
	client, err := remote.New(remoteConfig(cfg), sessions, logger)
	if err != nil {
		return err
	}

	// Journal database (optional)
	var pool *pgxpool.Pool
	var journal bed.Journal = bed.NewMemoryJournal()
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to journal database")
			return err
		}
		defer pool.Close()
		applied, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
		journal = bed.NewPGJournal(pool)
		logger.Info().Int("migrations_applied", applied).Msg("connected to journal database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set; reconciliation journal kept in memory")
	}

	hub := websocket.NewHub(logger)
	sessions.OnUnauthorized(func(cred session.Credential) { hub.Disconnect(cred.Subject) })
	registry := workspace.NewRegistry(ctx, client, journal, sessions, hub, workspaceSettings(cfg, rates), logger)

	e := newServer(cfg, serverDeps{
		logger:   logger,
		sessions: sessions,
		registry: registry,
		hub:      hub,
		pool:     pool,
		gatherer: reg,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			_ = registry.Shutdown()
			return err
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := registry.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("workspace shutdown")
	}
	logger.Info().Msg("server stopped")
	return nil
}

type serverDeps struct {
	logger   zerolog.Logger
	sessions *session.Manager
	registry *workspace.Registry
	hub      *websocket.Hub
	pool     *pgxpool.Pool
	gatherer prometheus.Gatherer
}

// newServer builds the echo instance with middleware and every route.
func newServer(cfg *config.Config, d serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.ErrorHandler(d.logger)

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(telemetry.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, session.UserIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"version":    version,
			"workspaces": d.registry.Len(),
			"clients":    d.hub.ClientCount(),
		})
	})
	e.GET("/health/db", db.HealthHandler(d.pool))
	e.GET("/metrics", telemetry.Handler(d.gatherer))

	sessionMW := session.Middleware(d.sessions, session.MiddlewareConfig{
		Parse: session.ParseOptions{
			SigningKey: []byte(cfg.AuthSigningKey),
			Issuer:     cfg.AuthIssuer,
		},
		DevToken: devToken(cfg),
	})

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1",
		sessionMW,
		middleware.RateLimit(rateLimitCfg),
		middleware.Audit(d.logger),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)

	appointment.NewHandler(d.registry, cfg.UpcomingLimit).RegisterRoutes(apiV1)
	bed.NewHandler(d.registry).RegisterRoutes(apiV1)
	billing.NewHandler(d.registry).RegisterRoutes(apiV1)
	feed.NewHandler(d.registry).RegisterRoutes(apiV1)
	lookup.NewHandler(d.registry).RegisterRoutes(apiV1)
	systemhealth.NewHandler(d.registry).RegisterRoutes(apiV1)

	apiV1.POST("/workspace/refresh", refreshWorkspace(d.registry))
	apiV1.DELETE("/workspace", closeWorkspace(d.registry, d.hub))

	ws := websocket.NewWebSocketHandler(d.hub, originChecker(cfg.CORSOrigins))
	ws.RegisterRoutes(e.Group(""), sessionMW)

	return e
}

func devToken(cfg *config.Config) string {
	if cfg.IsDev() {
		return cfg.DevToken
	}
	return ""
}

// refreshWorkspace syncs every collection of the caller's workspace.
func refreshWorkspace(r *workspace.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		w, err := r.Open(c.Request().Context())
		if err != nil {
			return err
		}
		if err := w.Refresh(c.Request().Context()); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"subject":      w.Subject,
			"appointments": len(w.Appointments.Snapshot()),
			"bills":        len(w.Billing.Bills()),
			"beds":         len(w.Beds.Beds()),
			"unread":       w.Feed.Unread(),
		})
	}
}

// closeWorkspace is sign-out: the workspace and push connections of the
// caller are dropped.
func closeWorkspace(r *workspace.Registry, hub *websocket.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		cred, ok := session.FromContext(c.Request().Context())
		if !ok {
			return apperr.ErrUnauthorized.With("missing credential", nil)
		}
		r.Evict(cred.Subject)
		hub.Disconnect(cred.Subject)
		return c.NoContent(http.StatusNoContent)
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
