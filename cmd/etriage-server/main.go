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
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/etriage/etriage/internal/config"
	"github.com/etriage/etriage/internal/domain/audit"
	"github.com/etriage/etriage/internal/domain/identity"
	"github.com/etriage/etriage/internal/domain/triage"
	"github.com/etriage/etriage/internal/platform/auth"
	"github.com/etriage/etriage/internal/platform/db"
	"github.com/etriage/etriage/internal/platform/events"
	"github.com/etriage/etriage/internal/platform/messaging"
	"github.com/etriage/etriage/internal/platform/middleware"
	"github.com/etriage/etriage/internal/platform/notification"
	"github.com/etriage/etriage/internal/platform/scheduler"
	"github.com/etriage/etriage/internal/platform/webhook"
	"github.com/etriage/etriage/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "etriage-server",
		Short: "Emergency department e-triage API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rankerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, db.WithSearchPath(cfg.DBSchema))
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// stores picks where ranker weights and the manual order live: Redis when
// configured, Postgres otherwise. The returned closer releases the Redis
// client and is never nil.
func stores(pool *pgxpool.Pool, redisURL string) (triage.WeightStore, triage.OrderStore, *triage.RedisStore, func(), error) {
	if redisURL == "" {
		return triage.NewWeightStorePG(pool), triage.NewOrderStorePG(pool), nil, func() {}, nil
	}
	client, err := openRedis(redisURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	rs := triage.NewRedisStore(client, "etriage")
	return rs, rs, rs, func() { _ = client.Close() }, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
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

			if schema == "" {
				schema = cfg.DBSchema
			}
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.EnsureSchema(ctx, pool, schema, dir)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
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

			if schema == "" {
				schema = cfg.DBSchema
			}
			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func rankerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranker",
		Short: "Inspect or reset the adaptive ranker weights",
	}

	withRanker := func(fn func(ctx context.Context, rs *triage.RankerState) error) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		weights, _, _, closeStores, err := stores(pool, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer closeStores()

		rs, err := triage.LoadRankerState(ctx, weights)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v (showing defaults)\n", err)
		}
		return fn(ctx, rs)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the persisted weight vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRanker(func(_ context.Context, rs *triage.RankerState) error {
				printWeights(os.Stdout, triage.FeatureNames(), rs.Weights())
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Restore and persist the default weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRanker(func(ctx context.Context, rs *triage.RankerState) error {
				if err := rs.Reset(ctx); err != nil {
					return err
				}
				fmt.Println("Ranker weights reset to defaults.")
				return nil
			})
		},
	})

	return cmd
}

func printWeights(w io.Writer, names []string, weights []float64) {
	fmt.Fprintf(w, "%-32s %s\n", "FEATURE", "WEIGHT")
	for i, name := range names {
		if i >= len(weights) {
			break
		}
		fmt.Fprintf(w, "%-32s %+.4f\n", name, weights[i])
	}
}

// newMailer relays through SMTP when SMTP_ADDR is set and logs otherwise.
func newMailer(cfg *config.Config, logger zerolog.Logger) *notification.Mailer {
	var sender notification.EmailSender = notification.NewLogSender(logger)
	if cfg.SMTPAddr != "" {
		sender = notification.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
	}
	return notification.NewMailer(sender, notification.NewTemplateEngine())
}

// app holds everything runServer builds, so tests can assemble the HTTP
// surface without a database.
type app struct {
	echo   *echo.Echo
	triage *triage.Service
	ident  *identity.Service
	hub    *websocket.Hub
}

type appDeps struct {
	pool      *pgxpool.Pool
	cases     triage.CaseRepository
	users     identity.UserRepository
	auditRepo audit.Repository
	weights   triage.WeightStore
	orders    triage.OrderStore
	publishers []events.Publisher
	mailer     identity.CodeMailer
	health     map[string]db.Pinger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, deps appDeps) *app {
	hub := websocket.NewHub(logger)
	fanout := append(events.Fanout{hub}, deps.publishers...)

	ranker, err := triage.LoadRankerState(ctx, deps.weights)
	if err != nil {
		logger.Warn().Err(err).Msg("using default ranker weights")
	}

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL, cfg.GuestTokenTTL)
	identOpts := []identity.Option{identity.WithDemoLogin(cfg.DemoLogin)}
	if deps.mailer != nil {
		identOpts = append(identOpts, identity.WithMailer(deps.mailer))
	}
	identSvc := identity.NewService(deps.users, tokens, identity.NewOTPStore(cfg.OTPTTL), deps.auditRepo, logger, identOpts...)
	triageSvc := triage.NewService(deps.cases, deps.orders, ranker, deps.auditRepo, fanout, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(audit.ClientIP())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.pool != nil {
		e.GET("/health/db", db.HealthHandler(deps.pool, deps.health))
	}

	rateCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateCfg.RequestsPerSecond <= 0 {
		rateCfg = middleware.DefaultRateLimitConfig()
	}
	public := e.Group("/api/v1", middleware.RateLimit(rateCfg), middleware.RequestTimeout(cfg.RequestTimeout))
	if deps.pool != nil {
		public.Use(db.ConnMiddleware(deps.pool, cfg.DBSchema))
	}
	api := public.Group("", auth.JWTMiddleware(tokens))

	otpLimit := middleware.RateLimit(middleware.RateLimitConfig{RequestsPerSecond: 0.2, BurstSize: 5, KeyPrefix: "otp"})
	identity.NewHandler(identSvc).RegisterRoutes(public, api, otpLimit)
	triage.NewHandler(triageSvc, identSvc).RegisterRoutes(public, api)
	audit.NewHandler(deps.auditRepo).RegisterRoutes(api)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(api)

	return &app{echo: e, triage: triageSvc, ident: identSvc, hub: hub}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	weights, orders, redisStore, closeStores, err := stores(pool, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up ranker stores")
	}
	defer closeStores()

	health := map[string]db.Pinger{}
	if redisStore != nil {
		health["redis"] = redisStore
		if err := redisStore.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup")
		} else {
			logger.Info().Msg("connected to redis")
		}
	}

	deps := appDeps{
		pool:      pool,
		cases:     triage.NewCaseRepoPG(pool),
		users:     identity.NewUserRepoPG(pool),
		auditRepo: audit.NewRepoPG(pool),
		weights:   weights,
		orders:    orders,
		health:    health,
	}

	if cfg.NATSURL != "" {
		nc, err := messaging.Connect(messaging.Config{
			URL:           cfg.NATSURL,
			Name:          "etriage-server",
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer nc.Close()
		deps.publishers = append(deps.publishers, nc)
		health["nats"] = nc
		logger.Info().Msg("connected to nats")
	}

	if len(cfg.WebhookURLs) > 0 {
		wp, err := webhook.NewPublisher(cfg.WebhookURLs, cfg.WebhookSecret, logger, webhook.WithEvents(cfg.WebhookEvents...))
		if err != nil {
			return err
		}
		go wp.Run(ctx)
		deps.publishers = append(deps.publishers, wp)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("webhook delivery enabled")
	}
	deps.mailer = newMailer(cfg, logger)

	a := newApp(ctx, cfg, logger, deps)

	sched := scheduler.New(logger)
	if err := sched.Add("otp-sweep", cfg.OTPSweepSchedule, a.ident.SweepOTPs); err != nil {
		return err
	}
	if err := sched.Add("ranker-checkpoint", cfg.WeightCheckpointSchedule, a.triage.Ranker().Checkpoint); err != nil {
		return err
	}
	sched.Start()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting triage server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop(shutdownCtx)
	if err := a.triage.Ranker().Checkpoint(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final ranker checkpoint failed")
	}
	return a.echo.Shutdown(shutdownCtx)
}
