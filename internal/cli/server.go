package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/auth"
	"quiz-session-engine/internal/broadcast"
	"quiz-session-engine/internal/config"
	"quiz-session-engine/internal/domain"
	eventbus "quiz-session-engine/internal/infra/amqp"
	"quiz-session-engine/internal/infra/memory"
	pgstore "quiz-session-engine/internal/infra/postgres"
	redisstore "quiz-session-engine/internal/infra/redis"
	transport "quiz-session-engine/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgstore.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var (
		store     app.ResultStore
		observers []app.ResultObserver
		leaders   app.LeaderboardChain
		regOpts   = []app.RegistryOption{app.WithRegistryLogger(logger)}
	)
	if pool != nil {
		pgResults := pgstore.NewResultStore(pool)
		store = pgResults
		leaders = append(leaders, pgResults)
	} else {
		memResults := memory.NewResultStore()
		store = memResults
		leaders = append(leaders, memResults)
	}
	if redisClient != nil {
		index := redisstore.NewSessionIndex(redisClient, redisTTL)
		// Codes left behind by a previous process are no longer joinable.
		if n, err := index.Purge(ctx); err != nil {
			logger.Warn("purge stale session markers", "error", err)
		} else if n > 0 {
			logger.Info("purged stale session markers", "count", n)
		}
		regOpts = append(regOpts, app.WithSessionIndex(index))

		board := redisstore.NewLeaderboardStore(redisClient, redisTTL)
		observers = append(observers, board)
		leaders = append(app.LeaderboardChain{board}, leaders...)
	}
	if cfg.AMQP.URL != "" {
		publisher, err := eventbus.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		observers = append(observers, publisher)
	}

	registry := app.NewSessionRegistry(cfg.Engine.CodeLength, cfg.Engine.MaxCodeAttempts, regOpts...)
	results := app.NewResultsAggregator(store,
		app.WithObservers(observers...),
		app.WithAggregatorLogger(logger),
	)

	svcOpts := []app.Option{
		app.WithLogger(logger),
		app.WithLeaderboardReader(leaders),
	}
	if cfg.Auth.JWTSecret != "" {
		svcOpts = append(svcOpts, app.WithIdentityResolver(auth.NewJWTResolver(cfg.Auth.JWTSecret)))
	}
	service := app.NewQuizService(registry, quizRepo, results, broadcast.NewHub(), svcOpts...)

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go service.RunReaper(reapCtx,
		cfg.Engine.ReapIntervalDuration(),
		cfg.Engine.IdleGraceDuration(),
		cfg.Engine.HostGraceDuration(),
	)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(service, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting quiz session engine", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	stopReaper()
	service.Shutdown(shutdownCtx)
	return err
}

// sampleQuizzes backs the engine when no database is configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5"},
					},
					Explanation: "Two pairs make four.",
					TimeLimitMs: 20000,
				},
				{
					ID:     "q2",
					Prompt: "Which planet is known as the red planet?",
					Options: []domain.Option{
						{ID: "o1", Text: "Venus"},
						{ID: "o2", Text: "Jupiter"},
						{ID: "o3", Text: "Mars", Correct: true},
					},
					TimeLimitMs: 20000,
				},
			},
		},
	}
}
