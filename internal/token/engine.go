// Package token mints and checks the signed, expiring envelopes handed to
// clients. An envelope carries an account email and a random secret; the
// secret must still be stored in the matching slot of the account row for the
// envelope to be accepted, so clearing or rotating a slot revokes every
// envelope issued for it.
package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/credential"
)

// Store is the slice of the account store the engine needs.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*entity.Account, error)
	SetToken(ctx context.Context, email, slot, value string) (int64, error)
	SwapToken(ctx context.Context, email, slot, old, value string) (bool, error)
}

var (
	ErrUnknownAccount = apperr.Internal("Unable to issue a security token.", nil)
	ErrBadCredentials = apperr.BadCredentials("Bad credentials.")
	ErrExpired        = apperr.SessionExpired("Session expired.")
	ErrUnauthorized   = apperr.Unauthorized("Unauthorized.")
)

// Claims is the envelope payload.
type Claims struct {
	Email  string `json:"email"`
	Secret string `json:"token"`
	Slot   Slot   `json:"slot"`
	jwt.RegisteredClaims
}

// Envelope is a signed token plus its absolute expiry. Secret is the value
// stored in the slot and is never serialized.
type Envelope struct {
	Token   string    `json:"token"`
	Secret  string    `json:"-"`
	Expires time.Time `json:"expires"`
}

func (e Envelope) Empty() bool { return e.Token == "" }

// Engine issues, verifies, rotates and clears slot secrets.
type Engine struct {
	store Store
	cfg   Config
	key   []byte
	now   func() time.Time
}

func NewEngine(store Store, cfg Config) *Engine {
	if cfg.SecretBytes <= 0 {
		cfg.SecretBytes = 64
	}
	return &Engine{store: store, cfg: cfg, key: []byte(cfg.Secret), now: time.Now}
}

// WithClock replaces the time source used for signing and expiry checks.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// NewSecret returns a fresh random slot value.
func (e *Engine) NewSecret() (string, error) {
	return credential.RandomToken(e.cfg.SecretBytes)
}

// Seal wraps email and secret into a signed envelope for slot. It does not
// touch the store.
func (e *Engine) Seal(email, secret string, slot Slot) (Envelope, error) {
	now := e.now()
	exp := now.Add(e.cfg.TTL(slot))
	claims := Claims{
		Email:  email,
		Secret: secret,
		Slot:   slot,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.key)
	if err != nil {
		return Envelope{}, apperr.Internal("Unable to sign security token.", err)
	}
	// NumericDate drops sub-second precision; report what the client will see.
	return Envelope{Token: signed, Secret: secret, Expires: claims.ExpiresAt.Time}, nil
}

// Issue stores a new secret in slot for the account and returns its
// envelope. The account does not need to be active. An unknown account yields
// an empty envelope and ErrUnknownAccount.
func (e *Engine) Issue(ctx context.Context, email string, slot Slot) (Envelope, error) {
	if _, err := e.store.FindByEmail(ctx, email); err != nil {
		if repo.IsNoRows(err) {
			return Envelope{}, ErrUnknownAccount
		}
		return Envelope{}, apperr.Internal("Unable to issue a security token.", err)
	}
	secret, err := e.NewSecret()
	if err != nil {
		return Envelope{}, apperr.Internal("Unable to issue a security token.", err)
	}
	n, err := e.store.SetToken(ctx, email, string(slot), secret)
	if err != nil {
		return Envelope{}, apperr.Internal("Unable to issue a security token.", err)
	}
	if n == 0 {
		return Envelope{}, ErrUnknownAccount
	}
	return e.Seal(email, secret, slot)
}

// Parse checks signature, schema and expiry of an envelope minted for slot
// without consulting the store.
func (e *Engine) Parse(raw string, slot Slot) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return e.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(e.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrBadCredentials
	}
	if claims.Email == "" || claims.Secret == "" || claims.Slot != slot {
		return nil, ErrBadCredentials
	}
	return claims, nil
}

// Verify parses the envelope and requires its secret to still be stored in
// slot. A missing account and a rotated secret are indistinguishable.
func (e *Engine) Verify(ctx context.Context, raw string, slot Slot) (*entity.Account, *Claims, error) {
	claims, err := e.Parse(raw, slot)
	if err != nil {
		return nil, nil, err
	}
	account, err := e.store.FindByEmail(ctx, claims.Email)
	if err != nil {
		if repo.IsNoRows(err) {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, apperr.Internal("Unable to verify security token.", err)
	}
	stored := account.Slot(string(slot))
	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(claims.Secret)) != 1 {
		return nil, nil, ErrUnauthorized
	}
	return account, claims, nil
}

// Rotate verifies raw and replaces its secret with a new one. The swap only
// succeeds if the slot still holds the verified secret, so of two concurrent
// rotations of the same envelope exactly one wins.
func (e *Engine) Rotate(ctx context.Context, raw string, slot Slot) (*entity.Account, Envelope, error) {
	return e.RotateChecked(ctx, raw, slot, nil)
}

// RotateChecked is Rotate with an extra check run on the verified account
// before anything is written.
func (e *Engine) RotateChecked(ctx context.Context, raw string, slot Slot, check func(*entity.Account) error) (*entity.Account, Envelope, error) {
	account, claims, err := e.Verify(ctx, raw, slot)
	if err != nil {
		return nil, Envelope{}, err
	}
	if check != nil {
		if err := check(account); err != nil {
			return nil, Envelope{}, err
		}
	}
	secret, err := e.NewSecret()
	if err != nil {
		return nil, Envelope{}, apperr.Internal("Unable to issue a security token.", err)
	}
	ok, err := e.store.SwapToken(ctx, account.Email, string(slot), claims.Secret, secret)
	if err != nil {
		return nil, Envelope{}, apperr.Internal("Unable to rotate security token.", err)
	}
	if !ok {
		return nil, Envelope{}, ErrUnauthorized
	}
	env, err := e.Seal(account.Email, secret, slot)
	if err != nil {
		return nil, Envelope{}, err
	}
	return account, env, nil
}

// Clear empties slot for email. Clearing an empty slot or an unknown account
// is not an error.
func (e *Engine) Clear(ctx context.Context, email string, slot Slot) error {
	if _, err := e.store.SetToken(ctx, email, string(slot), ""); err != nil {
		return apperr.Internal("Unable to clear security token.", err)
	}
	return nil
}
