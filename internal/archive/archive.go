// Package archive writes terminal job records into Postgres so completed
// and failed jobs outlive their short Redis retention for audit queries.
// The sink is optional and best-effort; the queue never blocks on it.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"backplane/internal/queue"
)

type Config struct {
	DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return fmt.Errorf("postgres.dsn is required")
	}
	return nil
}

type Store struct {
	db *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool}, nil
}

// Record upserts one terminal job. finished_at is whichever of
// completed_at/failed_at applies.
func (s *Store) Record(ctx context.Context, job *queue.Job) error {
	var finishedAt *time.Time
	switch {
	case job.CompletedAt != nil:
		finishedAt = job.CompletedAt
	case job.FailedAt != nil:
		finishedAt = job.FailedAt
	}
	_, err := s.db.Exec(ctx, `insert into jobs_archive(
id, queue_name, status, priority, attempts, max_attempts,
payload, result, last_error, created_at, started_at, finished_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
on conflict (id) do update set
status = excluded.status,
attempts = excluded.attempts,
result = excluded.result,
last_error = excluded.last_error,
finished_at = excluded.finished_at`,
		job.ID, job.QueueName, string(job.Status), job.Priority, job.Attempts, job.MaxAttempts,
		[]byte(job.Payload), []byte(job.Result), job.LastError, job.CreatedAt, job.StartedAt, finishedAt,
	)
	return err
}

func (s *Store) Close() {
	s.db.Close()
}

// Noop discards archive writes; used when no DSN is configured.
type Noop struct{}

func (Noop) Record(ctx context.Context, job *queue.Job) error {
	return nil
}

type pingFunc func(ctx context.Context, dsn string) error

func CheckConnectivity(ctx context.Context, dsn string) error {
	return checkConnectivity(ctx, dsn, defaultPing)
}

func checkConnectivity(ctx context.Context, dsn string, ping pingFunc) error {
	if dsn == "" {
		return fmt.Errorf("postgres dsn is empty")
	}
	return ping(ctx, dsn)
}

func defaultPing(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pool.Ping(ctx)
}
