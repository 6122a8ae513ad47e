package token

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/matryer/is"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *repo.AccountRepo, *clock) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "test.db")+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := repo.NewAccountRepo(db)
	ctx := context.Background()
	if err := store.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if _, err := store.Create(ctx, &entity.Account{Email: "jane@doe.com", Name: "Jane Doe", Active: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := NewEngine(store, Config{
		Secret:          "test-secret",
		AccessTTL:       15 * time.Minute,
		ActivationTTL:   72 * time.Hour,
		PasswordLostTTL: time.Hour,
	}).WithClock(c.Now)
	return e, store, c
}

func TestIssueThenVerify(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	e, store, c := newTestEngine(t)

	env, err := e.Issue(ctx, "jane@doe.com", Access)
	is.NoErr(err)
	is.True(!env.Empty())
	is.Equal(len(env.Secret), 128)
	is.True(env.Expires.Equal(c.Now().Add(15*time.Minute)))

	stored, _ := store.FindByEmail(ctx, "jane@doe.com")
	is.Equal(stored.AccessToken, env.Secret)

	account, claims, err := e.Verify(ctx, env.Token, Access)
	is.NoErr(err)
	is.Equal(account.Email, "jane@doe.com")
	is.Equal(claims.Secret, env.Secret)
	is.Equal(claims.Slot, Access)
}

func TestIssueUnknownAccount(t *testing.T) {
	is := is.New(t)
	e, _, _ := newTestEngine(t)
	env, err := e.Issue(context.Background(), "nobody@doe.com", Access)
	is.True(env.Empty())
	is.True(errors.Is(err, ErrUnknownAccount))
	is.Equal(apperr.From(err).Code, apperr.CodeInternal)
}

func TestRotateInvalidatesPrevious(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	e, _, c := newTestEngine(t)

	e1, err := e.Issue(ctx, "jane@doe.com", Access)
	is.NoErr(err)
	c.Advance(5 * time.Minute)

	_, e2, err := e.Rotate(ctx, e1.Token, Access)
	is.NoErr(err)
	is.True(e2.Token != e1.Token)
	// fresh lifetime from the rotation moment
	is.True(e2.Expires.Equal(c.Now().Add(15*time.Minute)))

	_, _, err = e.Verify(ctx, e1.Token, Access)
	is.True(errors.Is(err, ErrUnauthorized))

	_, _, err = e.Rotate(ctx, e1.Token, Access)
	is.True(errors.Is(err, ErrUnauthorized))

	_, _, err = e.Verify(ctx, e2.Token, Access)
	is.NoErr(err)
}

func TestClearRevokes(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	env, err := e.Issue(ctx, "jane@doe.com", Access)
	is.NoErr(err)
	is.NoErr(e.Clear(ctx, "jane@doe.com", Access))
	is.NoErr(e.Clear(ctx, "jane@doe.com", Access))
	is.NoErr(e.Clear(ctx, "nobody@doe.com", Access))

	_, _, err = e.Verify(ctx, env.Token, Access)
	is.True(errors.Is(err, ErrUnauthorized))
}

func TestExpiredDiffersFromTampered(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	e, _, c := newTestEngine(t)

	env, err := e.Issue(ctx, "jane@doe.com", Access)
	is.NoErr(err)

	parts := strings.Split(env.Token, ".")
	is.Equal(len(parts), 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, _, err = e.Verify(ctx, tampered, Access)
	is.True(errors.Is(err, ErrBadCredentials))

	_, _, err = e.Verify(ctx, "not-a-token", Access)
	is.True(errors.Is(err, ErrBadCredentials))

	c.Advance(16 * time.Minute)
	_, _, err = e.Verify(ctx, env.Token, Access)
	is.True(errors.Is(err, ErrExpired))
	is.Equal(apperr.From(err).Code, apperr.CodeSessionExpired)

	// a tampered envelope stays a bad credential once expired
	_, _, err = e.Verify(ctx, tampered, Access)
	is.True(errors.Is(err, ErrBadCredentials))
}

func TestSlotsAreIndependent(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	e, _, c := newTestEngine(t)

	access, err := e.Issue(ctx, "jane@doe.com", Access)
	is.NoErr(err)
	lost, err := e.Issue(ctx, "jane@doe.com", PasswordLost)
	is.NoErr(err)
	is.True(lost.Expires.Equal(c.Now().Add(time.Hour)))

	// an envelope only opens the slot it was minted for
	_, _, err = e.Verify(ctx, lost.Token, Access)
	is.True(errors.Is(err, ErrBadCredentials))

	is.NoErr(e.Clear(ctx, "jane@doe.com", PasswordLost))
	_, _, err = e.Verify(ctx, access.Token, Access)
	is.NoErr(err)
}

func TestWrongKeyIsBadCredentials(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	e, store, c := newTestEngine(t)
	other := NewEngine(store, Config{Secret: "another-secret", AccessTTL: time.Minute}).WithClock(c.Now)

	env, err := other.Issue(ctx, "jane@doe.com", Access)
	is.NoErr(err)
	_, _, err = e.Verify(ctx, env.Token, Access)
	is.True(errors.Is(err, ErrBadCredentials))
}

func TestConcurrentRotationsOneWins(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	env, err := e.Issue(ctx, "jane@doe.com", Access)
	is.NoErr(err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		wins, losses int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.Rotate(ctx, env.Token, Access)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrUnauthorized):
				losses++
			default:
				t.Errorf("rotate: %v", err)
			}
		}()
	}
	wg.Wait()
	is.Equal(wins, 1)
	is.Equal(losses, 5)
}
