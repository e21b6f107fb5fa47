package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/night-slayer18/dtypes/pkg/backend"
	applog "github.com/night-slayer18/dtypes/pkg/logger"
	"github.com/night-slayer18/dtypes/pkg/models"
)

// invalid_text_representation, raised when a counter row is not a number
const pgInvalidText = "22P02"

// Store implements backend.Store on a single postgres table. Each
// operation is one statement, and expiry is judged by the database clock.
type Store struct {
	db      *gorm.DB
	sweeper *cron.Cron
	log     *zap.Logger
}

// Config holds postgres connection configuration
type Config struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
	// SweepSchedule is a cron expression such as "@every 10m" for deleting
	// expired leases. Empty disables the sweeper.
	SweepSchedule string
}

// DefaultConfig returns pool defaults for the given DSN.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxIdleConns:    5,
		MaxOpenConns:    50,
		ConnMaxLifetime: time.Hour,
		LogLevel:        logger.Warn,
	}
}

// NewStore opens the connection pool and migrates the entries table.
func NewStore(cfg Config) (*Store, error) {
	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			return nil, fmt.Errorf("%w: sweep schedule %q: %v", backend.ErrInvalidArgument, cfg.SweepSchedule, err)
		}
	}

	config := &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), config)
	if err != nil {
		return nil, backend.NewConnectionError("connect", "postgres", fmt.Errorf("failed to connect to database: %w", err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, backend.NewConnectionError("connect", "postgres", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&models.Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, backend.NewConnectionError("connect", "postgres", fmt.Errorf("schema migration failed: %w", err))
	}

	s := &Store{db: db, log: applog.Named("postgres")}
	if cfg.SweepSchedule != "" {
		if err := s.startSweeper(cfg.SweepSchedule); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// startSweeper runs Sweep on schedule until Close.
func (s *Store) startSweeper(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.sweepOnce); err != nil {
		return fmt.Errorf("%w: sweep schedule %q: %v", backend.ErrInvalidArgument, schedule, err)
	}
	s.sweeper = c
	c.Start()
	s.log.Info("lease sweeper scheduled", zap.String("schedule", schedule))
	return nil
}

func (s *Store) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.log.Warn("lease sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Debug("swept expired leases", zap.Int64("rows", n))
	}
}

func (s *Store) Close() error {
	if s.sweeper != nil {
		<-s.sweeper.Stop().Done()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgInvalidText {
		return fmt.Errorf("%w: %s: %s", backend.ErrCorruptRecord, key, pgErr.Message)
	}
	return backend.NewConnectionError(op, key, err)
}

type row struct {
	models.Entry
	Now time.Time
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Raw(`SELECT id, value, expires_at, updated_at, now() AS now FROM dtypes_entries WHERE id = ?`, key).
		Scan(&rows).Error
	if err != nil {
		return nil, false, wrap("get", key, err)
	}
	if len(rows) == 0 || !rows[0].Live(rows[0].Now) {
		return nil, false, nil
	}
	return rows[0].Value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	entry := models.Entry{ID: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": value, "expires_at": nil, "updated_at": gorm.Expr("now()")}),
	}).Create(&entry).Error
	return wrap("set", key, err)
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expected, value []byte) (bool, error) {
	var res *gorm.DB
	if expected == nil {
		// an expired row counts as absent and may be overwritten
		res = s.db.WithContext(ctx).Exec(`
			INSERT INTO dtypes_entries AS e (id, value, updated_at) VALUES (?, ?, now())
			ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL, updated_at = now()
			WHERE e.expires_at IS NOT NULL AND e.expires_at <= now()`, key, value)
	} else {
		res = s.db.WithContext(ctx).Exec(`
			UPDATE dtypes_entries SET value = ?, expires_at = NULL, updated_at = now()
			WHERE id = ? AND value = ? AND (expires_at IS NULL OR expires_at > now())`, value, key, expected)
	}
	if res.Error != nil {
		return false, wrap("cas", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return wrap("delete", key, s.db.WithContext(ctx).Delete(&models.Entry{}, "id = ?", key).Error)
}

func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Raw(`
		INSERT INTO dtypes_entries AS e (id, value, updated_at) VALUES (?, convert_to('1', 'UTF8'), now())
		ON CONFLICT (id) DO UPDATE SET
			value = convert_to((CASE
				WHEN e.expires_at IS NOT NULL AND e.expires_at <= now() THEN 0
				ELSE convert_from(e.value, 'UTF8')::bigint
			END + 1)::text, 'UTF8'),
			expires_at = NULL,
			updated_at = now()
		RETURNING convert_from(value, 'UTF8')::bigint`, key).Scan(&n).Error
	if err != nil {
		return 0, wrap("incr", key, err)
	}
	return n, nil
}

func (s *Store) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO dtypes_entries AS e (id, value, expires_at, updated_at)
		VALUES (?, ?, now() + make_interval(secs => ?), now())
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()
		WHERE e.value = EXCLUDED.value OR (e.expires_at IS NOT NULL AND e.expires_at <= now())`,
		key, []byte(token), ttl.Seconds())
	if res.Error != nil {
		return false, wrap("lease_acquire", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	res := s.db.WithContext(ctx).Exec(`
		UPDATE dtypes_entries SET expires_at = now() + make_interval(secs => ?), updated_at = now()
		WHERE id = ? AND value = ? AND (expires_at IS NULL OR expires_at > now())`,
		ttl.Seconds(), key, []byte(token))
	if res.Error != nil {
		return false, wrap("lease_refresh", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	res := s.db.WithContext(ctx).Exec(`
		DELETE FROM dtypes_entries
		WHERE id = ? AND value = ? AND (expires_at IS NULL OR expires_at > now())`,
		key, []byte(token))
	if res.Error != nil {
		return false, wrap("lease_release", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// holds is true while the lease row named by the first two parameters is
// live and carries the token. FOR SHARE keeps a concurrent release or
// takeover from committing underneath a guarded write.
const holds = `EXISTS (
	SELECT 1 FROM dtypes_entries l
	WHERE l.id = ? AND l.value = ? AND (l.expires_at IS NULL OR l.expires_at > now())
	FOR SHARE)`

func (s *Store) SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (bool, error) {
	res := s.db.WithContext(ctx).Exec(`
		INSERT INTO dtypes_entries AS e (id, value, updated_at)
		SELECT ?, ?, now() WHERE `+holds+`
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL, updated_at = now()`,
		key, value, leaseKey, []byte(token))
	if res.Error != nil {
		return false, wrap("guarded_set", key, res.Error)
	}
	return res.RowsAffected == 1, nil
}

type guardedRow struct {
	Held  bool
	Found bool
	Value []byte
}

func (s *Store) GetIfHeld(ctx context.Context, leaseKey, token, key string) ([]byte, bool, bool, error) {
	var r guardedRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT g.held, v.id IS NOT NULL AS found, v.value
		FROM (SELECT `+holds+` AS held) g
		LEFT JOIN dtypes_entries v
			ON g.held AND v.id = ? AND (v.expires_at IS NULL OR v.expires_at > now())`,
		leaseKey, []byte(token), key).Scan(&r).Error
	if err != nil {
		return nil, false, false, wrap("guarded_get", key, err)
	}
	if !r.Held {
		return nil, false, false, nil
	}
	return r.Value, r.Found, true, nil
}

// Sweep deletes expired leases. Expired rows are already invisible, this only reclaims space.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= now()").Delete(&models.Entry{})
	if res.Error != nil {
		return 0, wrap("sweep", "dtypes_entries", res.Error)
	}
	return res.RowsAffected, nil
}

var _ backend.Store = (*Store)(nil)
