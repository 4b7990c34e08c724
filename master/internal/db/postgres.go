package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v4/stdlib" // Import Postgres driver.
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/internal/sproto"
)

const (
	maxOpenConns   = 4
	connectTries   = 15
	connectBackoff = 4 * time.Second
)

// snapshotRow is the latest snapshot of one manager. Managers sharing a database are told apart
// by name.
type snapshotRow struct {
	bun.BaseModel `bun:"table:vine_task_snapshots"`

	Manager   string          `bun:"manager_name,pk"`
	Taken     time.Time       `bun:"taken,notnull"`
	Tasks     int             `bun:"tasks,notnull"`
	Snapshot  sproto.Snapshot `bun:"content,type:jsonb,notnull"`
	UpdatedAt time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
}

// PostgresStore keeps snapshots in the vine_task_snapshots table.
type PostgresStore struct {
	manager string
	bun     *bun.DB
}

// ConnectPostgres connects to the database, retrying while it comes up, and creates the snapshot
// table if it is missing.
func ConnectPostgres(
	ctx context.Context, opts config.DBConfig, manager string,
) (*PostgresStore, error) {
	log.Infof("connecting to database %s:%s", opts.Host, opts.Port)
	var sqlDB *sqlx.DB
	connect := func() error {
		var err error
		sqlDB, err = sqlx.ConnectContext(ctx, "pgx", opts.DSN())
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(connectBackoff), connectTries-1), ctx)
	notify := func(err error, wait time.Duration) {
		log.WithError(err).Warnf("failed to connect to postgres, trying again in %s", wait)
	}
	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		return nil, errors.Wrapf(err, "error connecting to database: %s:%s", opts.Host, opts.Port)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)

	bunDB := bun.NewDB(sqlDB.DB, pgdialect.New())
	bunDB.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithEnabled(false),
		bundebug.FromEnv("VINE_BUNDEBUG"),
	))
	s := &PostgresStore{manager: manager, bun: bunDB}
	if err := s.migrate(ctx); err != nil {
		_ = bunDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.bun.NewCreateTable().
		Model((*snapshotRow)(nil)).
		IfNotExists().
		Exec(ctx)
	return errors.Wrap(err, "creating snapshot table")
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, snap sproto.Snapshot) error {
	row := &snapshotRow{
		Manager:   s.manager,
		Taken:     snap.Taken,
		Tasks:     len(snap.Tasks),
		Snapshot:  snap,
		UpdatedAt: time.Now(),
	}
	_, err := s.bun.NewInsert().Model(row).
		On("CONFLICT (manager_name) DO UPDATE").
		Exec(ctx)
	return errors.Wrap(err, "failed to upsert task snapshot")
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) (sproto.Snapshot, error) {
	var row snapshotRow
	err := s.bun.NewSelect().Model(&row).
		Where("manager_name = ?", s.manager).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return sproto.Snapshot{}, ErrNotFound
	case err != nil:
		return sproto.Snapshot{}, errors.Wrapf(err, "error querying snapshot of %s", s.manager)
	}
	return row.Snapshot, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.bun.Close()
}
