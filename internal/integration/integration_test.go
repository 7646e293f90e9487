package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"quiz-session-engine/internal/app"
	"quiz-session-engine/internal/broadcast"
	"quiz-session-engine/internal/domain"
	pgstore "quiz-session-engine/internal/infra/postgres"
	redisstore "quiz-session-engine/internal/infra/redis"
	pgmigrations "quiz-session-engine/internal/infra/postgres/migrations"
)

func TestGameEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedQuiz(t, ctx, pgURL, sampleQuiz())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	quizRepo := redisstore.NewQuizRepository(redisClient, pgstore.NewQuizLoader(pool), 5*time.Minute)
	index := redisstore.NewSessionIndex(redisClient, 5*time.Minute)
	board := redisstore.NewLeaderboardStore(redisClient, 5*time.Minute)
	results := pgstore.NewResultStore(pool)

	registry := app.NewSessionRegistry(0, 0, app.WithSessionIndex(index))
	aggregator := app.NewResultsAggregator(results, app.WithObservers(board))
	service := app.NewQuizService(registry, quizRepo, aggregator, broadcast.NewHub(),
		app.WithLeaderboardReader(app.LeaderboardChain{board, results}),
	)

	created, err := service.CreateSession(ctx, app.CreateRequest{HostName: "Host", QuestionSetID: "quiz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := created.GameCode
	if _, err := index.Lookup(ctx, code); err != nil {
		t.Fatalf("expected session marker, got %v", err)
	}
	if _, err := service.JoinSession(ctx, app.JoinRequest{GameCode: code, PlayerID: created.Host.ID}); err != nil {
		t.Fatalf("attach host: %v", err)
	}
	alice, err := service.JoinSession(ctx, app.JoinRequest{GameCode: code, DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	bob, err := service.JoinSession(ctx, app.JoinRequest{GameCode: code, DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}

	if err := service.StartSession(ctx, code, created.Host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := service.SubmitAnswer(ctx, code, alice.Player.ID, app.SubmitRequest{
		QuestionID: "q1", SelectedAnswerID: "o2", ResponseTimeMs: 1200,
	})
	if err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	if !res.Correct || res.PointsAwarded != domain.DefaultPoints {
		t.Fatalf("expected %d points for alice, got %+v", domain.DefaultPoints, res)
	}
	if _, err := service.SubmitAnswer(ctx, code, bob.Player.ID, app.SubmitRequest{
		QuestionID: "q1", SelectedAnswerID: "o1", ResponseTimeMs: 800,
	}); err != nil {
		t.Fatalf("submit bob: %v", err)
	}

	if err := service.EndSession(ctx, code, created.Host.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := index.Lookup(ctx, code); err == nil {
		t.Fatalf("expected session marker to be cleared")
	}

	stored, err := results.ReadLeaderboard(ctx, code)
	if err != nil {
		t.Fatalf("read postgres results: %v", err)
	}
	if len(stored) != 2 || stored[0].PlayerID != alice.Player.ID || stored[0].FinalRank != 1 {
		t.Fatalf("expected alice first in persisted results, got %+v", stored)
	}

	cached, err := board.ReadLeaderboard(ctx, code)
	if err != nil {
		t.Fatalf("read redis leaderboard: %v", err)
	}
	if len(cached) != 2 || cached[0].FinalScore != domain.DefaultPoints || cached[1].PlayerID != bob.Player.ID {
		t.Fatalf("unexpected redis leaderboard: %+v", cached)
	}

	if err := results.PersistResults(ctx, code, stored); err == nil {
		t.Fatalf("expected results to be write-once")
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

// seedQuiz migrates the schema and upserts quiz.
func seedQuiz(t *testing.T, ctx context.Context, dsn string, quiz domain.Quiz) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	data, err := json.Marshal(quiz)
	if err != nil {
		t.Fatalf("marshal quiz: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO quizzes (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, quiz.ID, string(data)); err != nil {
		t.Fatalf("insert quiz: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "o1", Text: "3"},
					{ID: "o2", Text: "4", Correct: true},
					{ID: "o3", Text: "5"},
				},
				TimeLimitMs: 20000,
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
