// Package sqldir implements directory.Directory on PostgreSQL or MySQL.
package sqldir

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sort"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/zrepl/procmesh/internal/directory"
)

type dialect struct {
	name          string
	schema        []string
	addProcess    string
	removeProcess string
	listProcesses string
	setOwner      string
	getOwner      string
	removeOwner   string
}

var postgres = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS procmesh_processes (id VARCHAR(64) PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS procmesh_owners (conn_id VARCHAR(255) PRIMARY KEY, owner VARCHAR(64) NOT NULL)`,
	},
	addProcess:    `INSERT INTO procmesh_processes (id) VALUES ($1) ON CONFLICT DO NOTHING`,
	removeProcess: `DELETE FROM procmesh_processes WHERE id = $1`,
	listProcesses: `SELECT id FROM procmesh_processes`,
	setOwner:      `INSERT INTO procmesh_owners (conn_id, owner) VALUES ($1, $2) ON CONFLICT (conn_id) DO UPDATE SET owner = EXCLUDED.owner`,
	getOwner:      `SELECT owner FROM procmesh_owners WHERE conn_id = $1`,
	removeOwner:   `DELETE FROM procmesh_owners WHERE conn_id = $1`,
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS procmesh_processes (id VARCHAR(64) PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS procmesh_owners (conn_id VARCHAR(255) PRIMARY KEY, owner VARCHAR(64) NOT NULL)`,
	},
	addProcess:    `INSERT IGNORE INTO procmesh_processes (id) VALUES (?)`,
	removeProcess: `DELETE FROM procmesh_processes WHERE id = ?`,
	listProcesses: `SELECT id FROM procmesh_processes`,
	setOwner:      `INSERT INTO procmesh_owners (conn_id, owner) VALUES (?, ?) ON DUPLICATE KEY UPDATE owner = VALUES(owner)`,
	getOwner:      `SELECT owner FROM procmesh_owners WHERE conn_id = ?`,
	removeOwner:   `DELETE FROM procmesh_owners WHERE conn_id = ?`,
}

type Directory struct {
	db *sql.DB
	d  dialect
}

var _ directory.Directory = (*Directory)(nil)

func connector(typ, dsn string) (driver.Connector, dialect, error) {
	switch typ {
	case "postgres":
		cn, err := pq.NewConnector(dsn)
		if err != nil {
			return nil, dialect{}, errors.Wrap(err, "`dsn` invalid")
		}
		return cn, postgres, nil
	case "mysql":
		conf, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, dialect{}, errors.Wrap(err, "`dsn` invalid")
		}
		cn, err := mysql.NewConnector(conf)
		if err != nil {
			return nil, dialect{}, errors.Wrap(err, "`dsn` invalid")
		}
		return cn, mysqlDialect, nil
	default:
		return nil, dialect{}, errors.Errorf("unknown sql directory type %q", typ)
	}
}

// Open connects to the database of the given type ("postgres" or "mysql").
// If createSchema is set, missing tables are created.
func Open(ctx context.Context, typ, dsn string, createSchema bool) (*Directory, error) {
	cn, d, err := connector(typ, dsn)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(cn)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "cannot reach %s", d.name)
	}
	if createSchema {
		for _, stmt := range d.schema {
			directory.GetLogger(ctx).WithField("stmt", stmt).Debug("create schema")
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				db.Close()
				return nil, errors.Wrap(err, "cannot create schema")
			}
		}
	}
	return &Directory{db, d}, nil
}

func (s *Directory) AddProcessIfAbsent(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.addProcess, id)
	if err != nil {
		return false, errors.Wrap(err, "insert process")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "insert process")
	}
	return n == 1, nil
}

func (s *Directory) RemoveProcess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.d.removeProcess, id)
	return errors.Wrap(err, "delete process")
}

func (s *Directory) ListProcesses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.d.listProcesses)
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "list processes")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list processes")
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Directory) SetConnectionOwner(ctx context.Context, connID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.d.setOwner, connID, owner)
	return errors.Wrap(err, "upsert connection owner")
}

func (s *Directory) ConnectionOwner(ctx context.Context, connID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, s.d.getOwner, connID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", directory.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "query connection owner")
	}
	return owner, nil
}

func (s *Directory) RemoveConnectionOwner(ctx context.Context, connID string) error {
	_, err := s.db.ExecContext(ctx, s.d.removeOwner, connID)
	return errors.Wrap(err, "delete connection owner")
}

func (s *Directory) Close() error {
	return s.db.Close()
}
