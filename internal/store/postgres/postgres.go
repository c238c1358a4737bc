// Package postgres implements the task repository on PostgreSQL via pgx.
// Conditional updates ride on status predicates in the WHERE clause, so the
// Transition contract holds across processes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/msageha/concierge/internal/model"
	"github.com/msageha/concierge/internal/store"
)

const schema = `
create table if not exists tasks (
	id               text primary key,
	intent           text not null,
	autonomy_level   int not null default 0,
	summary          text not null default '',
	original_message text not null default '',
	execution_prompt text not null default '',
	clarify_question text not null default '',
	status           text not null,
	channel          text not null,
	thread_id        text not null,
	session_id       text not null default '',
	result           text not null default '',
	cost_usd         double precision not null default 0,
	created_at       timestamptz not null default now(),
	started_at       timestamptz,
	completed_at     timestamptz
);
create index if not exists tasks_anchor_status_idx on tasks (channel, thread_id, status);
create index if not exists tasks_status_created_idx on tasks (status, created_at);
`

const taskColumns = `id, intent, autonomy_level, summary, original_message,
	execution_prompt, clarify_question, status, channel, thread_id,
	session_id, result, cost_usd, created_at, started_at, completed_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	// Ping to fail fast.
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Create(ctx context.Context, t model.Task) (model.Task, error) {
	if t.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return model.Task{}, err
		}
		t.ID = id
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		insert into tasks (id, intent, autonomy_level, summary, original_message,
			execution_prompt, clarify_question, status, channel, thread_id,
			session_id, result, cost_usd, created_at, started_at, completed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		returning `+taskColumns,
		t.ID, string(t.Intent), t.AutonomyLevel, t.Summary, t.OriginalMessage,
		t.ExecutionPrompt, t.ClarifyQuestion, string(t.Status), t.Anchor.Channel, t.Anchor.ThreadID,
		t.SessionID, t.Result, t.CostUSD, t.CreatedAt, t.StartedAt, t.CompletedAt)

	out, err := scanTask(row)
	if err != nil {
		return model.Task{}, fmt.Errorf("create task: %w", err)
	}
	return *out, nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `select `+taskColumns+` from tasks where id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]model.Task, error) {
	q := `select ` + taskColumns + ` from tasks`
	var args []any
	if f.Status != "" {
		q += ` where status = $1`
		args = append(args, string(f.Status))
	}
	q += ` order by created_at asc`
	if f.Limit > 0 {
		q += fmt.Sprintf(` limit %d`, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) FindInFlightByAnchor(ctx context.Context, anchor model.Anchor) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `
		select `+taskColumns+`
		from tasks
		where channel = $1 and thread_id = $2
		  and status in ('pending', 'queued', 'running')
		order by created_at desc
		limit 1
	`, anchor.Channel, anchor.ThreadID)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find in-flight task: %w", err)
	}
	return t, nil
}

func (s *Store) LatestSettledByAnchor(ctx context.Context, anchor model.Anchor) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `
		select `+taskColumns+`
		from tasks
		where channel = $1 and thread_id = $2
		  and status in ('completed', 'failed', 'waiting', 'rejected')
		order by created_at desc
		limit 1
	`, anchor.Channel, anchor.ThreadID)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest settled task: %w", err)
	}
	return t, nil
}

func (s *Store) ClaimOldestQueued(ctx context.Context) (*model.Task, error) {
	// SKIP LOCKED keeps concurrent claimers from serializing on the same
	// row; the status predicate on the UPDATE makes the claim itself a
	// compare-and-set.
	row := s.pool.QueryRow(ctx, `
		update tasks
		set status = 'running', started_at = now()
		where id = (
			select id from tasks
			where status = 'queued'
			order by created_at asc, id asc
			limit 1
			for update skip locked
		) and status = 'queued'
		returning `+taskColumns)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNoQueuedTasks
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued task: %w", err)
	}
	return t, nil
}

func (s *Store) Transition(ctx context.Context, id string, expected model.Status, upd store.Update) (bool, error) {
	if upd.Status != nil {
		if err := model.ValidateTransition(expected, *upd.Status); err != nil {
			return false, err
		}
	}

	sets := []string{}
	args := []any{id, string(expected)}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.Result != nil {
		add("result", *upd.Result)
	}
	if upd.SessionID != nil {
		add("session_id", *upd.SessionID)
	}
	if upd.ExecutionPrompt != nil {
		add("execution_prompt", *upd.ExecutionPrompt)
	}
	if upd.CostUSD != nil {
		add("cost_usd", *upd.CostUSD)
	}
	if upd.StartedAt != nil {
		add("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if len(sets) == 0 {
		// Nothing to write; still report whether the CAS would have won.
		var exists bool
		err := s.pool.QueryRow(ctx, `select status = $2 from tasks where id = $1`, id, string(expected)).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, store.ErrNotFound
		}
		if err != nil {
			return false, fmt.Errorf("check task status: %w", err)
		}
		return exists, nil
	}

	tag, err := s.pool.Exec(ctx, `
		update tasks set `+strings.Join(sets, ", ")+`
		where id = $1 and status = $2
	`, args...)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either gone or someone else already moved it.
		var n int
		if err := s.pool.QueryRow(ctx, `select count(*) from tasks where id = $1`, id).Scan(&n); err == nil && n == 0 {
			return false, store.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var intent, status string
	err := row.Scan(
		&t.ID, &intent, &t.AutonomyLevel, &t.Summary, &t.OriginalMessage,
		&t.ExecutionPrompt, &t.ClarifyQuestion, &status, &t.Anchor.Channel, &t.Anchor.ThreadID,
		&t.SessionID, &t.Result, &t.CostUSD, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Intent = model.Intent(intent)
	t.Status = model.Status(status)
	return &t, nil
}
