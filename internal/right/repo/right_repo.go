package repo

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/right/entity"
)

// Repo is the repository for the rights catalog and the account_right
// association table. It runs against either the pool or a transaction.
type Repo struct {
	q sqlx.ExtContext
}

// NewRepo constructs a new Repo.
func NewRepo(q sqlx.ExtContext) *Repo {
	return &Repo{q: q}
}

// EnsureTable ensures the rights and account_right tables exist.
// account_right rows are keyed by (account_id, right_id).
func (r *Repo) EnsureTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS rights (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  is_default BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS account_right (
  account_id BIGINT NOT NULL,
  right_id BIGINT NOT NULL,
  PRIMARY KEY (account_id, right_id)
);
CREATE INDEX IF NOT EXISTS idx_account_right_right_id ON account_right(right_id);
`
	if r.q.DriverName() == "sqlite3" {
		ddl = `
CREATE TABLE IF NOT EXISTS rights (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  is_default BOOLEAN NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS account_right (
  account_id INTEGER NOT NULL,
  right_id INTEGER NOT NULL,
  PRIMARY KEY (account_id, right_id)
);
CREATE INDEX IF NOT EXISTS idx_account_right_right_id ON account_right(right_id);
`
	}
	_, err := r.q.ExecContext(ctx, ddl)
	return errors.Wrap(err, "ensure rights tables")
}

// Create inserts a catalog entry and sets its id.
func (r *Repo) Create(ctx context.Context, in *entity.Right) error {
	query, args, err := r.q.BindNamed(`INSERT INTO rights (name, description, is_default)
		VALUES (:name, :description, :is_default) RETURNING id`, in)
	if err != nil {
		return errors.Wrap(err, "bind insert right")
	}
	return errors.Wrap(r.q.QueryRowxContext(ctx, query, args...).Scan(&in.ID), "insert right")
}

// List returns rights ordered by id. limit <= 0 returns the whole catalog.
func (r *Repo) List(ctx context.Context, limit, offset int) ([]entity.Right, error) {
	q := `SELECT id, name, description, is_default FROM rights ORDER BY id`
	arg := map[string]any{}
	if limit > 0 {
		q += ` LIMIT :limit OFFSET :offset`
		arg["limit"] = limit
		arg["offset"] = offset
	}
	return r.selectNamed(ctx, q, arg)
}

// Defaults returns the rights granted to new non-admin accounts.
func (r *Repo) Defaults(ctx context.Context) ([]entity.Right, error) {
	return r.selectNamed(ctx, `SELECT id, name, description, is_default FROM rights
		WHERE is_default = :is_default ORDER BY id`, map[string]any{"is_default": true})
}

// ForAccount returns the rights assigned to accountID.
func (r *Repo) ForAccount(ctx context.Context, accountID int64) ([]entity.Right, error) {
	return r.selectNamed(ctx, `SELECT r.id, r.name, r.description, r.is_default FROM rights r
		JOIN account_right ar ON ar.right_id = r.id
		WHERE ar.account_id = :account_id ORDER BY r.id`, map[string]any{"account_id": accountID})
}

func (r *Repo) selectNamed(ctx context.Context, q string, arg any) ([]entity.Right, error) {
	query, args, err := r.q.BindNamed(q, arg)
	if err != nil {
		return nil, errors.Wrap(err, "bind select rights")
	}
	out := []entity.Right{}
	if err := sqlx.SelectContext(ctx, r.q, &out, query, args...); err != nil {
		return nil, errors.Wrap(err, "select rights")
	}
	return out, nil
}

// AssignDefaults replaces the rights of accountID with the default set.
func (r *Repo) AssignDefaults(ctx context.Context, accountID int64) error {
	defaults, err := r.Defaults(ctx)
	if err != nil {
		return err
	}
	if err := r.DeleteForAccount(ctx, accountID); err != nil {
		return err
	}
	for _, right := range defaults {
		_, err := sqlx.NamedExecContext(ctx, r.q, `INSERT INTO account_right (account_id, right_id) VALUES (:account_id, :right_id)`,
			map[string]any{"account_id": accountID, "right_id": right.ID})
		if err != nil {
			return errors.Wrapf(err, "assign right %d", right.ID)
		}
	}
	return nil
}

// DeleteForAccount removes every right association of accountID.
func (r *Repo) DeleteForAccount(ctx context.Context, accountID int64) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `DELETE FROM account_right WHERE account_id = :account_id`,
		map[string]any{"account_id": accountID})
	return errors.Wrap(err, "delete account rights")
}

// DeleteForStructures removes the associations of every structure owned by
// partnerID. It must run before the structures themselves are deleted.
func (r *Repo) DeleteForStructures(ctx context.Context, partnerID int64) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `DELETE FROM account_right WHERE account_id IN
		(SELECT id FROM accounts WHERE partner_id = :partner_id AND is_admin = :is_admin)`,
		map[string]any{"partner_id": partnerID, "is_admin": false})
	return errors.Wrap(err, "delete structure rights")
}
