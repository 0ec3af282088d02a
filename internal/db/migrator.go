package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-reconcile/config"
	"github.com/meow-io/go-reconcile/migration"
	"go.uber.org/zap"
)

// migrator applies an ordered list of migrations once, tracking them in _migrations_<name>
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) *migrator {
	return &migrator{
		db:         db,
		log:        c.Logger(fmt.Sprintf("db/migrator/%s", name)),
		name:       name,
		tableName:  fmt.Sprintf("_migrations_%s", name),
		migrations: migrations,
		lock:       lock,
	}
}

func (m *migrator) migrate() error {
	var count int
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INT8 NOT NULL,
			version VARCHAR(255) NOT NULL,
			PRIMARY KEY (id)
		);
	`, m.tableName)); err != nil {
			return err
		}

		if err := m.db.Tx.Get(&count, fmt.Sprintf("SELECT count(*) FROM %s", m.tableName)); err != nil {
			return err
		}
		if count > len(m.migrations) {
			return errors.New("migrator: applied migration number on db cannot be greater than the defined migration list")
		}
		return nil
	}); err != nil {
		return err
	}

	for idx, mig := range m.migrations[count:] {
		if err := m.performMigration(idx+count, mig); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %w", err)
		}
	}
	return nil
}

func (m *migrator) performMigration(id int, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		m.log.Debugf("applying migration named '%s'...", mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("error executing migration: %w", err)
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES ($1, $2)", m.tableName), id, mig.String()); err != nil {
			return fmt.Errorf("error updating migration versions: %w", err)
		}
		m.log.Debugf("applied migration named '%s'", mig.Name)
		return nil
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.runTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
