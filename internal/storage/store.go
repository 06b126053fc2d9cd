package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/SirClappington/enqworker/internal/domain"
)

// Outcome is the latest known state of one job on one consumer group.
type Outcome struct {
	JobID      uuid.UUID     `json:"job_id"`
	Stream     string        `json:"stream"`
	Group      string        `json:"group"`
	Consumer   string        `json:"consumer"`
	Processor  string        `json:"processor"`
	Status     domain.Status `json:"status"`
	Attempt    int           `json:"attempt"`
	Error      string        `json:"error,omitempty"`
	DLQID      string        `json:"dlq_id,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Ledger receives job outcomes from workers.
type Ledger interface {
	Record(ctx context.Context, o Outcome) error
}

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct{ db DB }

func New(db DB) *Store { return &Store{db} }

const upsertOutcome = `insert into job_outcomes(
job_id, stream, consumer_group, consumer, processor, status, attempt, error, dlq_id, recorded_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
on conflict (job_id, stream, consumer_group) do update set
consumer = excluded.consumer,
processor = excluded.processor,
status = excluded.status,
attempt = excluded.attempt,
error = excluded.error,
dlq_id = excluded.dlq_id,
recorded_at = excluded.recorded_at`

// Record upserts the outcome keyed by job, stream and group.
func (s *Store) Record(ctx context.Context, o Outcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, upsertOutcome,
		o.JobID, o.Stream, o.Group, o.Consumer, o.Processor, string(o.Status),
		o.Attempt, nullable(o.Error), nullable(o.DLQID), o.RecordedAt,
	)
	return errors.Wrapf(err, "storage: record outcome %s", o.JobID)
}

// Outcomes returns every recorded outcome for a job.
func (s *Store) Outcomes(ctx context.Context, jobID uuid.UUID) ([]Outcome, error) {
	rows, err := s.db.Query(ctx, `select job_id, stream, consumer_group, consumer, processor, status,
attempt, coalesce(error, ''), coalesce(dlq_id, ''), recorded_at
from job_outcomes where job_id = $1 order by recorded_at desc`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: outcomes %s", jobID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Outcome, error) {
		var o Outcome
		var status string
		err := row.Scan(&o.JobID, &o.Stream, &o.Group, &o.Consumer, &o.Processor, &status,
			&o.Attempt, &o.Error, &o.DLQID, &o.RecordedAt)
		o.Status = domain.Status(status)
		return o, err
	})
	return out, errors.Wrapf(err, "storage: outcomes %s", jobID)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
