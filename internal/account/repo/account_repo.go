package repo

import (
	"context"
	"database/sql"
	"sort"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/entity"
)

// ErrNotFound is returned when a lookup does not match exactly one row.
var ErrNotFound = errors.New("account not found")

const accountColumns = `id, email, name, password, is_admin, partner_id, access_token, passwordlost_token,
	activation_token, active, first_connexion, postal_address, gsm, avatar_url, description, created_at, updated_at`

// token slot columns; the only column names ever interpolated into SQL
var slotColumns = map[string]bool{
	"access_token":       true,
	"passwordlost_token": true,
	"activation_token":   true,
}

// columns UpdateFields accepts
var updatableColumns = map[string]bool{
	"email":              true,
	"name":               true,
	"partner_id":         true,
	"postal_address":     true,
	"gsm":                true,
	"avatar_url":         true,
	"description":        true,
	"active":             true,
	"access_token":       true,
	"passwordlost_token": true,
	"activation_token":   true,
}

// AccountRepo provides data access for the accounts table using sqlx. It runs
// against either the pool or a transaction.
type AccountRepo struct {
	q sqlx.ExtContext
}

func NewAccountRepo(q sqlx.ExtContext) *AccountRepo { return &AccountRepo{q: q} }

// InTx runs fn inside a transaction, committing when fn returns nil.
func InTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

// EnsureTable creates the accounts table if not exists (idempotent).
func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS accounts (
  id BIGSERIAL PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL UNIQUE,
  password TEXT NOT NULL DEFAULT '',
  is_admin BOOLEAN NOT NULL DEFAULT false,
  partner_id BIGINT NOT NULL DEFAULT 0,
  access_token TEXT NOT NULL DEFAULT '',
  passwordlost_token TEXT NOT NULL DEFAULT '',
  activation_token TEXT NOT NULL DEFAULT '',
  active BOOLEAN NOT NULL DEFAULT false,
  first_connexion BOOLEAN NOT NULL DEFAULT true,
  postal_address TEXT NOT NULL DEFAULT '',
  gsm TEXT NOT NULL DEFAULT '',
  avatar_url TEXT,
  description TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_accounts_partner_id ON accounts(partner_id);
CREATE INDEX IF NOT EXISTS idx_accounts_is_admin ON accounts(is_admin);
`
	if r.q.DriverName() == "sqlite3" {
		ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  email TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL UNIQUE,
  password TEXT NOT NULL DEFAULT '',
  is_admin BOOLEAN NOT NULL DEFAULT 0,
  partner_id INTEGER NOT NULL DEFAULT 0,
  access_token TEXT NOT NULL DEFAULT '',
  passwordlost_token TEXT NOT NULL DEFAULT '',
  activation_token TEXT NOT NULL DEFAULT '',
  active BOOLEAN NOT NULL DEFAULT 0,
  first_connexion BOOLEAN NOT NULL DEFAULT 1,
  postal_address TEXT NOT NULL DEFAULT '',
  gsm TEXT NOT NULL DEFAULT '',
  avatar_url TEXT,
  description TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_accounts_partner_id ON accounts(partner_id);
CREATE INDEX IF NOT EXISTS idx_accounts_is_admin ON accounts(is_admin);
`
	}
	_, err := r.q.ExecContext(ctx, ddl)
	return errors.Wrap(err, "ensure accounts table")
}

// Create inserts a new account row. Returns new ID.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) (int64, error) {
	const q = `INSERT INTO accounts (email, name, password, is_admin, partner_id, activation_token, active,
		first_connexion, postal_address, gsm, avatar_url, description)
		VALUES (:email, :name, :password, :is_admin, :partner_id, :activation_token, :active,
		:first_connexion, :postal_address, :gsm, :avatar_url, :description) RETURNING id`
	query, args, err := r.q.BindNamed(q, a)
	if err != nil {
		return 0, errors.Wrap(err, "bind insert account")
	}
	if err := r.q.QueryRowxContext(ctx, query, args...).Scan(&a.ID); err != nil {
		return 0, errors.Wrap(err, "insert account")
	}
	return a.ID, nil
}

// FindByEmail returns the single account matching email, or ErrNotFound.
func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.one(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = :email`, map[string]any{"email": email})
}

// FindByID returns the single account with id, or ErrNotFound.
func (r *AccountRepo) FindByID(ctx context.Context, id int64) (*entity.Account, error) {
	return r.one(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = :id`, map[string]any{"id": id})
}

func (r *AccountRepo) one(ctx context.Context, q string, arg any) (*entity.Account, error) {
	rows, err := r.selectNamed(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (r *AccountRepo) selectNamed(ctx context.Context, q string, arg any) ([]entity.Account, error) {
	query, args, err := r.q.BindNamed(q, arg)
	if err != nil {
		return nil, errors.Wrap(err, "bind select accounts")
	}
	var out []entity.Account
	if err := sqlx.SelectContext(ctx, r.q, &out, query, args...); err != nil {
		return nil, errors.Wrap(err, "select accounts")
	}
	return out, nil
}

// EmailExists reports whether any account uses email.
func (r *AccountRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT COUNT(*) FROM accounts WHERE email = :v`, email)
}

// NameExists reports whether any account uses name.
func (r *AccountRepo) NameExists(ctx context.Context, name string) (bool, error) {
	return r.exists(ctx, `SELECT COUNT(*) FROM accounts WHERE name = :v`, name)
}

func (r *AccountRepo) exists(ctx context.Context, q string, v string) (bool, error) {
	query, args, err := r.q.BindNamed(q, map[string]any{"v": v})
	if err != nil {
		return false, errors.Wrap(err, "bind exists")
	}
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, query, args...); err != nil {
		return false, errors.Wrap(err, "count accounts")
	}
	return n > 0, nil
}

// CountAdmins returns the number of admin accounts.
func (r *AccountRepo) CountAdmins(ctx context.Context) (int, error) {
	query, args, err := r.q.BindNamed(`SELECT COUNT(*) FROM accounts WHERE is_admin = :is_admin`, map[string]any{"is_admin": true})
	if err != nil {
		return 0, errors.Wrap(err, "bind count admins")
	}
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, query, args...); err != nil {
		return 0, errors.Wrap(err, "count admins")
	}
	return n, nil
}

// ListAdmins returns admin accounts ordered by id. limit <= 0 returns all rows.
func (r *AccountRepo) ListAdmins(ctx context.Context, limit, offset int) ([]entity.Account, error) {
	return r.list(ctx, `is_admin = :is_admin`, map[string]any{"is_admin": true}, limit, offset)
}

// ListPartners returns partner accounts ordered by id.
func (r *AccountRepo) ListPartners(ctx context.Context, limit, offset int) ([]entity.Account, error) {
	return r.list(ctx, `is_admin = :is_admin AND partner_id = 0`, map[string]any{"is_admin": false}, limit, offset)
}

// ListStructures returns the structures owned by partnerID ordered by id.
func (r *AccountRepo) ListStructures(ctx context.Context, partnerID int64, limit, offset int) ([]entity.Account, error) {
	return r.list(ctx, `is_admin = :is_admin AND partner_id = :partner_id`,
		map[string]any{"is_admin": false, "partner_id": partnerID}, limit, offset)
}

func (r *AccountRepo) list(ctx context.Context, where string, arg map[string]any, limit, offset int) ([]entity.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + where + ` ORDER BY id`
	if limit > 0 {
		q += ` LIMIT :limit OFFSET :offset`
		arg["limit"] = limit
		arg["offset"] = offset
	}
	return r.selectNamed(ctx, q, arg)
}

// SetToken overwrites a token slot. Returns the number of rows touched.
func (r *AccountRepo) SetToken(ctx context.Context, email, slot, value string) (int64, error) {
	if !slotColumns[slot] {
		return 0, errors.Errorf("unknown token slot %q", slot)
	}
	q := `UPDATE accounts SET ` + slot + ` = :value, updated_at = CURRENT_TIMESTAMP WHERE email = :email`
	res, err := sqlx.NamedExecContext(ctx, r.q, q, map[string]any{"value": value, "email": email})
	if err != nil {
		return 0, errors.Wrapf(err, "set %s", slot)
	}
	return res.RowsAffected()
}

// SwapToken replaces a token slot only when it still holds old. It reports
// false when another writer changed the slot first.
func (r *AccountRepo) SwapToken(ctx context.Context, email, slot, old, value string) (bool, error) {
	if !slotColumns[slot] {
		return false, errors.Errorf("unknown token slot %q", slot)
	}
	q := `UPDATE accounts SET ` + slot + ` = :value, updated_at = CURRENT_TIMESTAMP
		WHERE email = :email AND ` + slot + ` = :old`
	res, err := sqlx.NamedExecContext(ctx, r.q, q, map[string]any{"value": value, "email": email, "old": old})
	if err != nil {
		return false, errors.Wrapf(err, "swap %s", slot)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// SetActive sets the activation state and clears the activation secret.
func (r *AccountRepo) SetActive(ctx context.Context, email string, active bool) (int64, error) {
	const q = `UPDATE accounts SET active = :active, activation_token = '', updated_at = CURRENT_TIMESTAMP WHERE email = :email`
	res, err := sqlx.NamedExecContext(ctx, r.q, q, map[string]any{"active": active, "email": email})
	if err != nil {
		return 0, errors.Wrap(err, "set active")
	}
	return res.RowsAffected()
}

// UpdatePassword stores a new hash, clears the passwordlost secret and the
// first connexion flag.
func (r *AccountRepo) UpdatePassword(ctx context.Context, email, hash string) (int64, error) {
	const q = `UPDATE accounts SET password = :password, passwordlost_token = '', first_connexion = :first,
		updated_at = CURRENT_TIMESTAMP WHERE email = :email`
	res, err := sqlx.NamedExecContext(ctx, r.q, q, map[string]any{"password": hash, "first": false, "email": email})
	if err != nil {
		return 0, errors.Wrap(err, "update password")
	}
	return res.RowsAffected()
}

// ConsumeActivation activates the account only while the activation slot still
// holds secret, clearing it in the same statement. Zero rows means the secret
// was already consumed or replaced.
func (r *AccountRepo) ConsumeActivation(ctx context.Context, email, secret string) (int64, error) {
	if secret == "" {
		return 0, nil
	}
	const q = `UPDATE accounts SET active = :active, activation_token = '', updated_at = CURRENT_TIMESTAMP
		WHERE email = :email AND activation_token = :secret`
	res, err := sqlx.NamedExecContext(ctx, r.q, q, map[string]any{"active": true, "email": email, "secret": secret})
	if err != nil {
		return 0, errors.Wrap(err, "consume activation")
	}
	return res.RowsAffected()
}

// ConsumePasswordLost is UpdatePassword guarded by the passwordlost secret:
// the hash is only stored while the slot still holds secret.
func (r *AccountRepo) ConsumePasswordLost(ctx context.Context, email, secret, hash string) (int64, error) {
	if secret == "" {
		return 0, nil
	}
	const q = `UPDATE accounts SET password = :password, passwordlost_token = '', first_connexion = :first,
		updated_at = CURRENT_TIMESTAMP WHERE email = :email AND passwordlost_token = :secret`
	res, err := sqlx.NamedExecContext(ctx, r.q, q, map[string]any{"password": hash, "first": false, "email": email, "secret": secret})
	if err != nil {
		return 0, errors.Wrap(err, "consume passwordlost")
	}
	return res.RowsAffected()
}

// LockAdmins counts the admin accounts while holding a write lock on them, so
// a concurrent transaction removing another administrator waits for this one
// to finish. Call it first in the transaction.
func (r *AccountRepo) LockAdmins(ctx context.Context) (int, error) {
	arg := map[string]any{"is_admin": true}
	if r.flavor() == sqlbuilder.PostgreSQL {
		query, args, err := r.q.BindNamed(`SELECT id FROM accounts WHERE is_admin = :is_admin FOR UPDATE`, arg)
		if err != nil {
			return 0, errors.Wrap(err, "bind lock admins")
		}
		var ids []int64
		if err := sqlx.SelectContext(ctx, r.q, &ids, query, args...); err != nil {
			return 0, errors.Wrap(err, "lock admins")
		}
		return len(ids), nil
	}
	// sqlite has no row locks; a no-op write takes the database write lock
	res, err := sqlx.NamedExecContext(ctx, r.q, `UPDATE accounts SET is_admin = :is_admin WHERE is_admin = :is_admin`, arg)
	if err != nil {
		return 0, errors.Wrap(err, "lock admins")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}

// UpdateFields applies all fields to the row in a single UPDATE statement.
func (r *AccountRepo) UpdateFields(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !updatableColumns[k] {
			return errors.Errorf("column %q is not updatable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ub := sqlbuilder.NewUpdateBuilder()
	ub.SetFlavor(r.flavor())
	ub.Update("accounts")
	assignments := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		assignments = append(assignments, ub.Assign(k, fields[k]))
	}
	assignments = append(assignments, "updated_at = CURRENT_TIMESTAMP")
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))

	q, args := ub.Build()
	if _, err := r.q.ExecContext(ctx, q, args...); err != nil {
		return errors.Wrap(err, "update account")
	}
	return nil
}

// Delete removes an account row by id.
func (r *AccountRepo) Delete(ctx context.Context, id int64) (int64, error) {
	res, err := sqlx.NamedExecContext(ctx, r.q, `DELETE FROM accounts WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return 0, errors.Wrap(err, "delete account")
	}
	return res.RowsAffected()
}

// DeleteByPartner removes every structure owned by partnerID in one statement.
func (r *AccountRepo) DeleteByPartner(ctx context.Context, partnerID int64) (int64, error) {
	const q = `DELETE FROM accounts WHERE partner_id = :partner_id AND is_admin = :is_admin`
	res, err := sqlx.NamedExecContext(ctx, r.q, q, map[string]any{"partner_id": partnerID, "is_admin": false})
	if err != nil {
		return 0, errors.Wrap(err, "delete structures")
	}
	return res.RowsAffected()
}

func (r *AccountRepo) flavor() sqlbuilder.Flavor {
	if r.q.DriverName() == "sqlite3" {
		return sqlbuilder.SQLite
	}
	return sqlbuilder.PostgreSQL
}

// IsNoRows reports whether err is a no-rows condition from either layer.
func IsNoRows(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
