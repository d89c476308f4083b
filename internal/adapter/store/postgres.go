package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mkarren/fleetrelay/internal/config"
	"github.com/mkarren/fleetrelay/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the relay configuration and recurring task surfaces
// with the fleet database. It also implements the task bridge: dispatching
// a due recurring task is an insert into the shared task queue, which is
// both the hand-off to the execution subsystem and the day's dispatch
// record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) LoadRelayConfigs(ctx context.Context) ([]domain.RelayConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mac_address, relay_name, relay_map, secret_key, num_relays, active
		FROM relay_configurations`)
	if err != nil {
		return nil, fmt.Errorf("load relay configurations: %w", err)
	}
	defer rows.Close()

	var configs []domain.RelayConfig
	for rows.Next() {
		var c domain.RelayConfig
		if err := rows.Scan(&c.ID, &c.Identity, &c.Name, &c.RelayMap, &c.SecretKey, &c.NumRelays, &c.Active); err != nil {
			return nil, fmt.Errorf("scan relay configuration: %w", err)
		}
		c.Identity = domain.NormalizeIdentity(c.Identity)
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) UpsertConnectedRelay(ctx context.Context, identity, ip string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connected_relays (mac_address, ip_address, connected_at, last_seen)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (mac_address)
		DO UPDATE SET ip_address = EXCLUDED.ip_address, connected_at = EXCLUDED.connected_at,
			last_seen = EXCLUDED.last_seen, disconnected_at = NULL`,
		identity, ip, at)
	if err != nil {
		return fmt.Errorf("upsert connected relay %s: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) MarkRelayDisconnected(ctx context.Context, identity string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_relays SET disconnected_at = $2 WHERE mac_address = $1`,
		identity, at)
	if err != nil {
		return fmt.Errorf("mark relay disconnected %s: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) ActiveRecurringTasks(ctx context.Context) ([]domain.RecurringTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, template_id, task_type, floor, shelf_point, schedule_time, days_of_week, active, created_at
		FROM recurring_tasks
		WHERE active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("load recurring tasks: %w", err)
	}
	defer rows.Close()
	return scanRecurringTasks(rows)
}

func (s *PostgresStore) RecurringTasks(ctx context.Context) ([]domain.RecurringTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, template_id, task_type, floor, shelf_point, schedule_time, days_of_week, active, created_at
		FROM recurring_tasks
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load recurring tasks: %w", err)
	}
	defer rows.Close()
	return scanRecurringTasks(rows)
}

func scanRecurringTasks(rows pgx.Rows) ([]domain.RecurringTask, error) {
	var tasks []domain.RecurringTask
	for rows.Next() {
		var t domain.RecurringTask
		if err := rows.Scan(&t.ID, &t.TemplateID, &t.TaskType, &t.Floor, &t.ShelfPoint,
			&t.ScheduleTime, &t.DaysOfWeek, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recurring task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CreateRecurringTask(ctx context.Context, task *domain.RecurringTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO recurring_tasks (template_id, task_type, floor, shelf_point, schedule_time, days_of_week, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at`,
		task.TemplateID, task.TaskType, task.Floor, task.ShelfPoint,
		task.ScheduleTime, task.DaysOfWeek, task.Active).
		Scan(&task.ID, &task.CreatedAt)
	if err != nil {
		return fmt.Errorf("create recurring task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeactivateRecurringTask(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recurring_tasks SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate recurring task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) HasQueuedToday(ctx context.Context, recurringTaskID int64, date string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM task_queue
			WHERE recurring_task_id = $1 AND scheduled_date = $2
		)`, recurringTaskID, date).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dispatch record for task %d: %w", recurringTaskID, err)
	}
	return exists, nil
}

// Dispatch enqueues one concrete task for the execution subsystem. The
// inserted row doubles as the (recurring task, date) dispatch record; the
// unique index on that pair makes a concurrent duplicate a rejection
// rather than a second firing.
func (s *PostgresStore) Dispatch(ctx context.Context, req domain.DispatchRequest) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin dispatch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO task_queue (queue_id, recurring_task_id, template_id, task_type, floor, shelf_point, scheduled_date, scheduled_time, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', NOW())
		ON CONFLICT (recurring_task_id, scheduled_date) DO NOTHING`,
		req.QueueID, req.RecurringTaskID, req.TemplateID, req.TaskType, req.Floor,
		req.ShelfPoint, req.Date, req.ScheduleTime)
	if err != nil {
		return fmt.Errorf("enqueue task for recurring task %d: %w", req.RecurringTaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDispatchRejected
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dispatch: %w", err)
	}
	return nil
}
