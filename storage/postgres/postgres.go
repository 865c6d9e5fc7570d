// Package postgres provides a PostgreSQL implementation of the
// reconcile.Storage interface. Idempotency is enforced by unique
// constraints, and all writes are targeted updates so concurrent
// webhook deliveries for the same enrollment converge.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/guidepost-app/guidepost/pkg/reconcile"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Storage implements reconcile.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// SkipMigrations disables the automatic schema migration on startup
	SkipMigrations bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter and runs schema
// migrations unless disabled.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if !config.SkipMigrations {
		if err := s.runMigrations(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Storage) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

const enrollmentColumns = `id, user_id, service_id, plan_type, status,
	customer_id, subscription_id, package_id, remaining_hours,
	created_at, updated_at`

func scanEnrollment(row pgx.Row) (*reconcile.Enrollment, error) {
	var e reconcile.Enrollment
	err := row.Scan(
		&e.ID, &e.UserID, &e.ServiceID, &e.PlanType, &e.Status,
		&e.CustomerID, &e.SubscriptionID, &e.PackageID, &e.RemainingHours,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}
	return &e, nil
}

// GetEnrollment implements reconcile.Storage
func (s *Storage) GetEnrollment(ctx context.Context, id string) (*reconcile.Enrollment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	return scanEnrollment(row)
}

// FindEnrollment implements reconcile.Storage
func (s *Storage) FindEnrollment(ctx context.Context, key reconcile.EnrollmentKey) (*reconcile.Enrollment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
			WHERE user_id = $1 AND service_id = $2`,
		key.UserID, key.ServiceID)
	return scanEnrollment(row)
}

// FindEnrollmentBySubscription implements reconcile.Storage
func (s *Storage) FindEnrollmentBySubscription(ctx context.Context, subscriptionID string) (*reconcile.Enrollment, error) {
	if subscriptionID == "" {
		return nil, reconcile.ErrEnrollmentNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE subscription_id = $1`,
		subscriptionID)
	return scanEnrollment(row)
}

// CreateEnrollment implements reconcile.Storage
func (s *Storage) CreateEnrollment(ctx context.Context, e *reconcile.Enrollment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrollments (`+enrollmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.UserID, e.ServiceID, e.PlanType, e.Status,
		e.CustomerID, e.SubscriptionID, e.PackageID, e.RemainingHours,
		e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return reconcile.ErrEnrollmentExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	return nil
}

// UpdateEnrollmentStatus implements reconcile.Storage
func (s *Storage) UpdateEnrollmentStatus(ctx context.Context, id string, status reconcile.EnrollmentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrollments SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update enrollment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEnrollmentNotFound
	}
	return nil
}

// UpdateEnrollmentSubscription implements reconcile.Storage
func (s *Storage) UpdateEnrollmentSubscription(ctx context.Context, id, subscriptionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrollments SET subscription_id = $2, updated_at = now() WHERE id = $1`,
		id, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to update enrollment subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEnrollmentNotFound
	}
	return nil
}

// DecrementHours implements reconcile.Storage. The guarded update makes
// the check-and-subtract atomic without SELECT FOR UPDATE.
func (s *Storage) DecrementHours(ctx context.Context, id string, hours int) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx,
		`UPDATE enrollments
			SET remaining_hours = remaining_hours - $2, updated_at = now()
			WHERE id = $1 AND remaining_hours >= $2
			RETURNING remaining_hours`,
		id, hours).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to decrement hours: %w", err)
	}

	// The guarded update matched nothing; classify why
	var balance *int
	err = s.pool.QueryRow(ctx,
		`SELECT remaining_hours FROM enrollments WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, reconcile.ErrEnrollmentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read hour balance: %w", err)
	}
	if balance == nil {
		return 0, reconcile.ErrNotPackagePlan
	}
	return 0, reconcile.ErrInsufficientHours
}

// GetPaymentByProviderID implements reconcile.Storage
func (s *Storage) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*reconcile.Payment, error) {
	var p reconcile.Payment
	err := s.pool.QueryRow(ctx,
		`SELECT id, enrollment_id, provider_payment_id, amount, currency,
				status, plan_type, description, paid_at, created_at
			FROM payments WHERE provider_payment_id = $1`,
		providerPaymentID).Scan(
		&p.ID, &p.EnrollmentID, &p.ProviderPaymentID, &p.Amount, &p.Currency,
		&p.Status, &p.PlanType, &p.Description, &p.PaidAt, &p.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &p, nil
}

// CreatePayment implements reconcile.Storage
func (s *Storage) CreatePayment(ctx context.Context, p *reconcile.Payment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (id, enrollment_id, provider_payment_id,
				amount, currency, status, plan_type, description, paid_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.EnrollmentID, p.ProviderPaymentID,
		p.Amount, p.Currency, p.Status, p.PlanType, p.Description, p.PaidAt, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return reconcile.ErrPaymentExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// UpdatePaymentStatus implements reconcile.Storage
func (s *Storage) UpdatePaymentStatus(ctx context.Context, providerPaymentID string, status reconcile.PaymentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE provider_payment_id = $1`,
		providerPaymentID, status)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrPaymentNotFound
	}
	return nil
}

// GetLearningPlanByEnrollment implements reconcile.Storage
func (s *Storage) GetLearningPlanByEnrollment(ctx context.Context, enrollmentID string) (*reconcile.LearningPlan, error) {
	var plan reconcile.LearningPlan
	err := s.pool.QueryRow(ctx,
		`SELECT id, enrollment_id, service_id, created_at
			FROM learning_plans WHERE enrollment_id = $1`,
		enrollmentID).Scan(&plan.ID, &plan.EnrollmentID, &plan.ServiceID, &plan.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan learning plan: %w", err)
	}

	stages, err := s.loadStages(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	plan.Stages = stages
	return &plan, nil
}

func (s *Storage) loadStages(ctx context.Context, planID string) ([]reconcile.PlanStage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, position FROM plan_stages
			WHERE plan_id = $1 ORDER BY position`,
		planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan stages: %w", err)
	}
	defer rows.Close()

	var stages []reconcile.PlanStage
	for rows.Next() {
		var st reconcile.PlanStage
		if err := rows.Scan(&st.ID, &st.Title, &st.Position); err != nil {
			return nil, fmt.Errorf("failed to scan plan stage: %w", err)
		}
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan stages: %w", err)
	}

	for i := range stages {
		steps, err := s.loadSteps(ctx, stages[i].ID)
		if err != nil {
			return nil, err
		}
		stages[i].Steps = steps
	}
	return stages, nil
}

func (s *Storage) loadSteps(ctx context.Context, stageID string) ([]reconcile.PlanStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, position, done FROM plan_steps
			WHERE stage_id = $1 ORDER BY position`,
		stageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan steps: %w", err)
	}
	defer rows.Close()

	var steps []reconcile.PlanStep
	for rows.Next() {
		var st reconcile.PlanStep
		if err := rows.Scan(&st.ID, &st.Title, &st.Position, &st.Done); err != nil {
			return nil, fmt.Errorf("failed to scan plan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan steps: %w", err)
	}
	return steps, nil
}

// CreateLearningPlan implements reconcile.Storage. The plan and its
// nested stages and steps land in one transaction.
func (s *Storage) CreateLearningPlan(ctx context.Context, p *reconcile.LearningPlan) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO learning_plans (id, enrollment_id, service_id, created_at)
			VALUES ($1, $2, $3, $4)`,
		p.ID, p.EnrollmentID, p.ServiceID, p.CreatedAt)
	if isUniqueViolation(err) {
		return reconcile.ErrPlanExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert learning plan: %w", err)
	}

	for _, stage := range p.Stages {
		_, err = tx.Exec(ctx,
			`INSERT INTO plan_stages (id, plan_id, title, position)
				VALUES ($1, $2, $3, $4)`,
			stage.ID, p.ID, stage.Title, stage.Position)
		if err != nil {
			return fmt.Errorf("failed to insert plan stage: %w", err)
		}
		for _, step := range stage.Steps {
			_, err = tx.Exec(ctx,
				`INSERT INTO plan_steps (id, stage_id, title, position, done)
					VALUES ($1, $2, $3, $4, $5)`,
				step.ID, stage.ID, step.Title, step.Position, step.Done)
			if err != nil {
				return fmt.Errorf("failed to insert plan step: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit learning plan: %w", err)
	}
	return nil
}

// GetPackage implements reconcile.Storage
func (s *Storage) GetPackage(ctx context.Context, id string) (*reconcile.HourPackage, error) {
	var pkg reconcile.HourPackage
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, hours FROM hour_packages WHERE id = $1`, id).
		Scan(&pkg.ID, &pkg.Name, &pkg.Hours)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan hour package: %w", err)
	}
	return &pkg, nil
}
