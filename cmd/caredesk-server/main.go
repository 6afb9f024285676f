package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caredesk/caredesk/internal/config"
	"github.com/caredesk/caredesk/internal/domain/clinicalnote"
	"github.com/caredesk/caredesk/internal/domain/patient"
	"github.com/caredesk/caredesk/internal/domain/session"
	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/keysource"
	"github.com/caredesk/caredesk/internal/platform/metrics"
	"github.com/caredesk/caredesk/internal/platform/middleware"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "caredesk-server",
		Short: "CareDesk practice management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(practiceCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the CareDesk API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// schemaForPractice maps a practice identifier to its Postgres schema name.
func schemaForPractice(practice string) string {
	return "practice_" + practice
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			practice, _ := cmd.Flags().GetString("practice")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaForPractice(practice)
			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("practice", "main", "Practice whose schema receives the migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			practice, _ := cmd.Flags().GetString("practice")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaForPractice(practice)
			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Drifted {
						status = "drifted"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("practice", "main", "Practice whose schema is inspected")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore the practice schema from a backup instead.")
			return nil
		},
	})

	return cmd
}

func practiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "practice",
		Short: "Manage practices",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a schema for a new practice",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating practice schema: %s\n", schemaForPractice(name))
			if err := db.CreatePracticeSchema(ctx, pool, name, dir); err != nil {
				return err
			}
			fmt.Println("Practice created and migrated successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Practice identifier (alphanumeric)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(createCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Drop a practice schema and all of its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			yes, _ := cmd.Flags().GetBool("yes")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !yes {
				return fmt.Errorf("refusing to drop practice %q and all of its data; re-run with --yes", name)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Dropping practice schema: %s\n", schemaForPractice(name))
			if err := db.DropPracticeSchema(ctx, pool, name); err != nil {
				return err
			}
			fmt.Println("Practice deleted.")
			return nil
		},
	}
	deleteCmd.Flags().String("name", "", "Practice identifier")
	deleteCmd.Flags().Bool("yes", false, "Confirm the drop")
	cmd.AddCommand(deleteCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioned practices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			practices, err := db.ListPracticeSchemas(ctx, pool)
			if err != nil {
				return err
			}
			if len(practices) == 0 {
				fmt.Println("No practices provisioned.")
				return nil
			}
			for _, p := range practices {
				fmt.Println(p)
			}
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	return cmd
}

// parseTimeFlag accepts either a full RFC 3339 timestamp or a bare date.
func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// parseVerifyWindow resolves the --from/--to flags into a concrete window.
// An empty --to means now; an empty --from means 24 hours before --to.
func parseVerifyWindow(fromStr, toStr string, now time.Time) (audit.Window, error) {
	to := now
	if toStr != "" {
		t, err := parseTimeFlag(toStr)
		if err != nil {
			return audit.Window{}, err
		}
		to = t
	}

	from := to.Add(-24 * time.Hour)
	if fromStr != "" {
		t, err := parseTimeFlag(fromStr)
		if err != nil {
			return audit.Window{}, err
		}
		from = t
	}

	if !from.Before(to) {
		return audit.Window{}, fmt.Errorf("--from (%s) must be before --to (%s)", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return audit.Window{From: from, To: to}, nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail operations",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Cross-check the audit trail against the change capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			practice, _ := cmd.Flags().GetString("practice")
			fromStr, _ := cmd.Flags().GetString("from")
			toStr, _ := cmd.Flags().GetString("to")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if practice == "" {
				practice = cfg.DefaultPractice
			}

			window, err := parseVerifyWindow(fromStr, toStr, time.Now().UTC())
			if err != nil {
				return err
			}

			// The kafka feed buffers in the server process; a one-shot
			// command has nothing buffered, so it reads the change log
			// table directly.
			if cfg.ChangeSource != config.ChangeSourcePostgres {
				return fmt.Errorf("audit verify requires CHANGE_SOURCE=postgres; %q only serves the running server", cfg.ChangeSource)
			}

			ctx := db.WithPractice(context.Background(), practice)
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			verifier := audit.NewVerifier(
				audit.NewStorePG(pool),
				audit.NewPGChangeLog(pool),
				nil, nil,
				audit.VerifierConfig{Bucket: cfg.AuditVerifyBucket, Tolerance: cfg.AuditVerifyTolerance},
			)

			report, err := verifier.Verify(ctx, window)
			if err != nil {
				return err
			}

			if asJSON {
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				printReport(practice, report)
			}

			if report.Verdict != audit.VerdictFullyCompliant {
				return fmt.Errorf("verification found %d gap(s), verdict: %s", len(report.Gaps), report.Verdict)
			}
			return nil
		},
	}
	verifyCmd.Flags().String("practice", "", "Practice to verify (defaults to DEFAULT_PRACTICE)")
	verifyCmd.Flags().String("from", "", "Window start, RFC 3339 or YYYY-MM-DD (default: 24h before --to)")
	verifyCmd.Flags().String("to", "", "Window end, RFC 3339 or YYYY-MM-DD (default: now)")
	verifyCmd.Flags().Bool("json", false, "Emit the full report as JSON")
	cmd.AddCommand(verifyCmd)

	return cmd
}

func printReport(practice string, r *audit.Report) {
	fmt.Printf("Audit verification for practice: %s\n", practice)
	fmt.Printf("Window: %s .. %s\n", r.Window.From.Format(time.RFC3339), r.Window.To.Format(time.RFC3339))
	fmt.Printf("Changes: %d  Audits: %d  Matched: %d\n", r.Summary.TotalChanges, r.Summary.TotalAudits, r.Summary.Matched)
	fmt.Printf("Missing: %d  Orphaned: %d  Timestamp mismatches: %d\n", r.Summary.Missing, r.Summary.Orphaned, r.Summary.TimestampMismatches)
	fmt.Printf("Coverage: %.1f%%  Verdict: %s\n", r.Summary.CoveragePercent, r.Verdict)

	if len(r.Gaps) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("%-20s %-8s %-14s %-36s %s\n", "TYPE", "SEVERITY", "KIND", "RESOURCE", "DETAIL")
	for _, g := range r.Gaps {
		fmt.Printf("%-20s %-8s %-14s %-36s %s\n", g.Type, g.Severity, g.ResourceKind, g.ResourceID, g.Detail)
	}
}

// keysourceConfig maps the flat environment configuration onto the key
// provider settings.
func keysourceConfig(cfg *config.Config) keysource.Config {
	return keysource.Config{
		Source: cfg.PHIKeySource,
		KeyHex: cfg.PHIMasterKey,
		Vault: keysource.VaultConfig{
			Address:  cfg.VaultAddr,
			RoleID:   cfg.VaultRoleID,
			SecretID: cfg.VaultSecretID,
			KeyPath:  cfg.VaultKeyPath,
		},
		AWSKMS: keysource.AWSKMSConfig{
			KeyID:      cfg.AWSKMSKeyID,
			WrappedKey: cfg.AWSKMSWrappedKey,
		},
	}
}

// buildChangeSource wires the change feed the verifier reads. The returned
// close function is a no-op for the postgres change log.
func buildChangeSource(cfg *config.Config, pool *pgxpool.Pool) (audit.ChangeSource, func(), error) {
	switch cfg.ChangeSource {
	case config.ChangeSourceKafka:
		src, err := audit.NewKafkaChangeSource(audit.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaCDCTopic,
			Group:   cfg.KafkaGroup,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("kafka change source: %w", err)
		}
		return src, src.Close, nil
	case config.ChangeSourcePostgres:
		return audit.NewPGChangeLog(pool), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown change source %q", cfg.ChangeSource)
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// PHI master key and field cipher
	provider, err := keysource.FromConfig(ctx, keysourceConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build key provider")
	}
	masterKey, err := provider.MasterKey(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to fetch PHI master key")
	}
	cipher, err := phi.NewCipher(masterKey, cfg.PHIKeyVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build PHI cipher")
	}
	logger.Info().Str("source", cfg.PHIKeySource).Int("key_version", cfg.PHIKeyVersion).Msg("PHI cipher ready")

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Ownership cache
	var cache auth.OwnershipCache
	if cfg.RedisURL != "" {
		redisCache, err := auth.NewRedisCacheFromURL(ctx, cfg.RedisURL, cfg.OwnershipCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisCache.Close()
		cache = redisCache
		logger.Info().Msg("ownership cache: redis")
	} else {
		cache = auth.NewMemoryCache(cfg.OwnershipCacheTTL, cfg.OwnershipCacheSize)
		logger.Info().Msg("ownership cache: in-memory")
	}

	// Access control and audit plumbing
	m := metrics.New()
	registry := phi.NewRegistry(phi.DefaultFieldSets())
	kinds, err := auth.NewKindRegistry(auth.DefaultKinds())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build kind registry")
	}
	authz := auth.NewAuthorizer(kinds, auth.NewStorePG(pool), cache, m)

	trail := audit.NewStorePG(pool)
	recorder := audit.NewRecorder(trail, m)

	changeSource, closeChanges, err := buildChangeSource(cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build change source")
	}
	defer closeChanges()

	consumeCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	if kafkaSource, ok := changeSource.(*audit.KafkaChangeSource); ok {
		go func() {
			if err := kafkaSource.Run(consumeCtx); err != nil {
				logger.Error().Err(err).Msg("cdc consumer stopped")
			}
		}()
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaCDCTopic).Msg("cdc consumer started")
	}

	verifier := audit.NewVerifier(trail, changeSource, registry, m, audit.VerifierConfig{
		Bucket:    cfg.AuditVerifyBucket,
		Tolerance: cfg.AuditVerifyTolerance,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Practice-ID", "X-Break-Glass", "X-Break-Glass-Reason"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	// Auth middleware
	revocations := auth.NewRevocationList()
	defer revocations.Close()
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDev:
		e.Use(auth.DevAuthMiddleware(cfg.DefaultPractice))
	default:
		jwksURL := cfg.AuthJWKSURL
		if jwksURL == "" {
			oidc, err := auth.NewOIDCProvider(cfg.AuthIssuer)
			if err != nil {
				logger.Fatal().Err(err).Msg("OIDC discovery failed")
			}
			jwksURL = oidc.JWKSURI
			logger.Info().Str("jwks_url", jwksURL).Msg("resolved JWKS endpoint via OIDC discovery")
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:      cfg.AuthIssuer,
			Audience:    cfg.AuthAudience,
			JWKSURL:     jwksURL,
			Skipper:     auth.AuthSkipper,
			Revocations: revocations,
		}))
	}

	// Practice middleware
	e.Use(db.PracticeMiddleware(pool, cfg.DefaultPractice))

	// Break-glass and read auditing
	e.Use(middleware.BreakGlass(logger))
	e.Use(middleware.RequestAudit(recorder, registry))

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Patients
	patientRepo := patient.NewRepoPG(pool, cipher)
	patientSvc := patient.NewService(patientRepo, authz, recorder, registry, phi.NewDisclosureStorePG(pool))
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)

	// Session records
	sessionRepo := session.NewRepoPG(pool)
	sessionSvc := session.NewService(sessionRepo, authz, recorder, registry)
	session.NewHandler(sessionSvc).RegisterRoutes(apiV1)

	// Clinical notes
	noteRepo := clinicalnote.NewRepoPG(pool, cipher)
	noteSvc := clinicalnote.NewService(noteRepo, authz, recorder, registry)
	clinicalnote.NewHandler(noteSvc).RegisterRoutes(apiV1)

	// Audit trail
	auditHandler := audit.NewHandler(trail, verifier)
	auditHandler.SetRecorder(recorder)
	auditHandler.SetRetention(phi.NewRetentionService(phi.DefaultRetentionPolicies(), logger))
	auditHandler.RegisterRoutes(apiV1)

	// Token revocation admin endpoints
	auth.RegisterRevocationRoutes(apiV1, revocations)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
