package account

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/credential"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/notification"
	rightentity "github.com/ovaphlow/pitchfork/service-accounts/internal/right/entity"
	rightrepo "github.com/ovaphlow/pitchfork/service-accounts/internal/right/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/token"
)

var (
	ErrAccountNotFound  = apperr.NotFound("Account not found.")
	ErrNotActivated     = apperr.Forbidden("Account is not yet activated.")
	ErrUnauthorized     = apperr.Unauthorized("Unauthorized.")
	ErrBadCredentials   = apperr.BadCredentials("Bad credentials.")
	ErrNotAllowed       = apperr.Forbidden("Account not allowed.")
	ErrBadSecurityToken = apperr.Forbidden("Bad security token.")
	ErrBadPassword      = apperr.Validation("Bad password format.")
)

// generated passwords handed out by create and reset
const generatedPasswordLength = 16

// Service orchestrates the account lifecycle: lookups, sessions, passwords,
// creation, update, deletion and listings. Operations that notify someone
// return the pending jobs as a notification.Outbox; sending them is up to the
// caller.
type Service struct {
	db      *sqlx.DB
	repo    *repo.AccountRepo
	rights  *rightrepo.Repo
	tokens  *token.Engine
	hasher  credential.PasswordHasher
	cfg     Config
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewService wires the service on db. A nil hasher uses bcrypt at cost 12.
func NewService(db *sqlx.DB, tokens *token.Engine, hasher credential.PasswordHasher, cfg Config, logger *zap.SugaredLogger, m *metrics.Metrics) *Service {
	if hasher == nil {
		hasher = credential.BcryptHasher{Cost: 12}
	}
	if cfg.ItemsPerPage <= 0 {
		cfg.ItemsPerPage = 10
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		db:      db,
		repo:    repo.NewAccountRepo(db),
		rights:  rightrepo.NewRepo(db),
		tokens:  tokens,
		hasher:  hasher,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Session is an authenticated account together with its access envelope.
type Session struct {
	Account *entity.AccountView `json:"account"`
	Token   string              `json:"token"`
	Expires time.Time           `json:"expires"`
}

type lookup struct {
	existsOnly bool
	pred       func(*entity.Account) bool
}

// LookupOption tunes GetAccountByEmail and GetAccountByID.
type LookupOption func(*lookup)

// ExistsOnly accepts inactive accounts.
func ExistsOnly() LookupOption {
	return func(l *lookup) { l.existsOnly = true }
}

// Where rejects the account with Unauthorized unless pred holds.
func Where(pred func(*entity.Account) bool) LookupOption {
	return func(l *lookup) { l.pred = pred }
}

// GetAccountByEmail fetches exactly one account. Unless ExistsOnly is given an
// inactive account is refused with Forbidden.
func (s *Service) GetAccountByEmail(ctx context.Context, email string, opts ...LookupOption) (*entity.Account, error) {
	a, err := s.repo.FindByEmail(ctx, credential.NormalizeEmail(email))
	return s.checkLookup(a, err, opts)
}

func (s *Service) GetAccountByID(ctx context.Context, id int64, opts ...LookupOption) (*entity.Account, error) {
	a, err := s.repo.FindByID(ctx, id)
	return s.checkLookup(a, err, opts)
}

func (s *Service) checkLookup(a *entity.Account, err error, opts []LookupOption) (*entity.Account, error) {
	if err != nil {
		if repo.IsNoRows(err) {
			return nil, ErrAccountNotFound
		}
		return nil, s.internal("Unable to load account.", err)
	}
	var l lookup
	for _, opt := range opts {
		opt(&l)
	}
	if !l.existsOnly && !a.Active {
		return nil, ErrNotActivated
	}
	if l.pred != nil && !l.pred(a) {
		return nil, ErrUnauthorized
	}
	return a, nil
}

// Login exchanges email and password for an access envelope. Any pending
// password reset is cancelled.
func (s *Service) Login(ctx context.Context, email, password string) (sess *Session, err error) {
	defer func() { s.metrics.ObserveAuth("login", err) }()

	a, err := s.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(a.Password, password) {
		return nil, ErrBadCredentials
	}
	env, err := s.tokens.Issue(ctx, a.Email, token.Access)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Clear(ctx, a.Email, token.PasswordLost); err != nil {
		return nil, err
	}
	view, err := s.View(ctx, a)
	if err != nil {
		return nil, err
	}
	return &Session{Account: view, Token: env.Token, Expires: env.Expires}, nil
}

// Authenticate resolves a bearer envelope to a session. Failures keep the
// engine's distinction between bad, expired and revoked envelopes.
func (s *Service) Authenticate(ctx context.Context, raw string) (sess *Session, err error) {
	defer func() { s.metrics.ObserveAuth("authenticate", err) }()

	a, claims, err := s.tokens.Verify(ctx, raw, token.Access)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, ErrNotActivated
	}
	view, err := s.View(ctx, a)
	if err != nil {
		return nil, err
	}
	return &Session{Account: view, Token: raw, Expires: claims.ExpiresAt.Time}, nil
}

// RefreshToken rotates the access envelope. Account related failures keep
// their code; any other verification failure becomes ErrNotAllowed.
func (s *Service) RefreshToken(ctx context.Context, raw string) (sess *Session, err error) {
	defer func() { s.metrics.ObserveAuth("refresh", err) }()

	a, env, err := s.tokens.RotateChecked(ctx, raw, token.Access, func(a *entity.Account) error {
		if !a.Active {
			return ErrNotActivated
		}
		return nil
	})
	if err != nil {
		switch apperr.From(err).Code {
		case apperr.CodeUnauthorized, apperr.CodeForbidden, apperr.CodeInternal:
			return nil, err
		default:
			return nil, ErrNotAllowed
		}
	}
	view, err := s.View(ctx, a)
	if err != nil {
		return nil, err
	}
	return &Session{Account: view, Token: env.Token, Expires: env.Expires}, nil
}

// Logout clears the access slot of the session owner.
func (s *Service) Logout(ctx context.Context, sess *Session) error {
	return s.tokens.Clear(ctx, sess.Account.Email, token.Access)
}

// LogoutAs lets an administrator end the session of another active account.
func (s *Service) LogoutAs(ctx context.Context, actor *entity.AccountView, email string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	a, err := s.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	return s.tokens.Clear(ctx, a.Email, token.Access)
}

// SelfActivate consumes the activation envelope mailed to the account owner.
// It works on inactive accounts.
func (s *Service) SelfActivate(ctx context.Context, email, raw string) (notification.Outbox, error) {
	a, err := s.GetAccountByEmail(ctx, email, ExistsOnly())
	if err != nil {
		return nil, err
	}
	secret, err := s.checkOneShot(ctx, a, raw, token.Activation)
	if err != nil {
		return nil, err
	}
	return s.activate(ctx, a, true, secret)
}

// SetActivation is the administrator driven activate/deactivate.
func (s *Service) SetActivation(ctx context.Context, actor *entity.AccountView, email string, active bool) (notification.Outbox, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if credential.NormalizeEmail(email) == actor.Email {
		return nil, apperr.Validation("Unable to change your account activation state.")
	}
	a, err := s.GetAccountByEmail(ctx, email, ExistsOnly())
	if err != nil {
		return nil, err
	}
	return s.activate(ctx, a, active, "")
}

// activate sets the state, clears the activation slot and notifies the
// account and, for a structure, its partner. A non-empty secret makes the
// write conditional on the activation slot still holding it.
func (s *Service) activate(ctx context.Context, a *entity.Account, active bool, secret string) (notification.Outbox, error) {
	var (
		n   int64
		err error
	)
	if secret != "" {
		n, err = s.repo.ConsumeActivation(ctx, a.Email, secret)
	} else {
		n, err = s.repo.SetActive(ctx, a.Email, active)
	}
	if err != nil {
		return nil, s.internal("Unable to change the activation state.", err)
	}
	if n == 0 {
		if secret != "" {
			return nil, ErrBadSecurityToken
		}
		return nil, ErrAccountNotFound
	}
	var out notification.Outbox
	self, owner := notification.AccountDeactivated, notification.StructureDeactivated
	if active {
		self, owner = notification.AccountActivated, notification.StructureActivated
	}
	out.Add(self, a.Email, map[string]string{"display_name": a.Name})
	if st, ok := a.Role().(entity.Structure); ok {
		if p := s.partnerOf(ctx, st.PartnerID); p != nil {
			out.Add(owner, p.Email, map[string]string{"display_name": p.Name, "structure_name": a.Name})
		}
	}
	return out, nil
}

// PasswordLost issues a password-lost envelope, ends any running session and
// returns the mail carrying the reset link.
func (s *Service) PasswordLost(ctx context.Context, email string) (notification.Outbox, error) {
	a, err := s.GetAccountByEmail(ctx, email, ExistsOnly())
	if err != nil {
		return nil, err
	}
	env, err := s.tokens.Issue(ctx, a.Email, token.PasswordLost)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Clear(ctx, a.Email, token.Access); err != nil {
		return nil, err
	}
	var out notification.Outbox
	out.Add(notification.NewPasswordLink, a.Email, map[string]string{
		"display_name": a.Name,
		"email":        a.Email,
		"link":         withCredentials(s.cfg.NewPasswordLink, a.Email, env.Token),
	})
	return out, nil
}

// NewPassword consumes a password-lost envelope and stores password.
func (s *Service) NewPassword(ctx context.Context, email, raw, password string) error {
	a, err := s.GetAccountByEmail(ctx, email, ExistsOnly())
	if err != nil {
		return err
	}
	secret, err := s.checkOneShot(ctx, a, raw, token.PasswordLost)
	if err != nil {
		return err
	}
	if !credential.ValidatePasswordStrength(password, s.cfg.PasswordLevel) {
		return ErrBadPassword
	}
	return s.setPassword(ctx, a, password, secret)
}

// ChangePassword lets an account change its own password, or an
// administrator change anyone's. The target session is ended.
func (s *Service) ChangePassword(ctx context.Context, actor *entity.AccountView, email, password string) error {
	a, err := s.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if actor.Email != a.Email && requireAdmin(actor) != nil {
		return ErrNotAllowed
	}
	if !credential.ValidatePasswordStrength(password, s.cfg.PasswordLevel) {
		return ErrBadPassword
	}
	return s.setPassword(ctx, a, password, "")
}

// ResetPassword stores a generated strong password and returns it to the
// administrator.
func (s *Service) ResetPassword(ctx context.Context, actor *entity.AccountView, email string) (string, error) {
	a, err := s.GetAccountByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if err := requireAdmin(actor); err != nil {
		return "", err
	}
	password, err := credential.GenerateSecurePassword(generatedPasswordLength)
	if err != nil {
		return "", s.internal("Unable to generate a password.", err)
	}
	if err := s.setPassword(ctx, a, password, ""); err != nil {
		return "", err
	}
	return password, nil
}

// setPassword hashes and stores password then clears the access slot so the
// account has to log in again. A non-empty secret makes the write conditional
// on the passwordlost slot still holding it.
func (s *Service) setPassword(ctx context.Context, a *entity.Account, password, secret string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return s.internal("Unable to change the password.", err)
	}
	var n int64
	if secret != "" {
		n, err = s.repo.ConsumePasswordLost(ctx, a.Email, secret, hash)
	} else {
		n, err = s.repo.UpdatePassword(ctx, a.Email, hash)
	}
	if err != nil {
		return s.internal("Unable to change the password.", err)
	}
	if n == 0 {
		if secret != "" {
			return ErrBadSecurityToken
		}
		return ErrAccountNotFound
	}
	return s.tokens.Clear(ctx, a.Email, token.Access)
}

// checkOneShot verifies a one-shot envelope minted for a and returns the slot
// secret it carries. Every failure answers ErrBadSecurityToken. The consuming
// write must be conditional on that secret so the envelope is used once.
func (s *Service) checkOneShot(ctx context.Context, a *entity.Account, raw string, slot token.Slot) (string, error) {
	owner, claims, err := s.tokens.Verify(ctx, raw, slot)
	if err != nil {
		if apperr.From(err).Code == apperr.CodeInternal {
			return "", err
		}
		return "", ErrBadSecurityToken
	}
	if owner.ID != a.ID {
		return "", ErrBadSecurityToken
	}
	return claims.Secret, nil
}

// HasAtLeastOneOtherAdmin reports whether two or more administrators exist,
// the condition for deleting one of them.
func (s *Service) HasAtLeastOneOtherAdmin(ctx context.Context) (bool, error) {
	n, err := s.repo.CountAdmins(ctx)
	if err != nil {
		return false, s.internal("Unable to count administrators.", err)
	}
	return n >= 2, nil
}

// EmailExists is the public existence probe.
func (s *Service) EmailExists(ctx context.Context, email string) (bool, error) {
	ok, err := s.repo.EmailExists(ctx, credential.NormalizeEmail(email))
	if err != nil {
		return false, s.internal("Unable to check email.", err)
	}
	return ok, nil
}

// NameExists is the administrator only display name probe.
func (s *Service) NameExists(ctx context.Context, actor *entity.AccountView, name string) (bool, error) {
	if err := requireAdmin(actor); err != nil {
		return false, err
	}
	ok, err := s.repo.NameExists(ctx, strings.TrimSpace(name))
	if err != nil {
		return false, s.internal("Unable to check name.", err)
	}
	return ok, nil
}

// View is the client projection of a, with its rights. Administrators get the
// whole catalog.
func (s *Service) View(ctx context.Context, a *entity.Account) (*entity.AccountView, error) {
	v := project(a)
	var err error
	if _, ok := a.Role().(entity.Admin); ok {
		v.Rights, err = s.rights.List(ctx, 0, 0)
	} else {
		v.Rights, err = s.rights.ForAccount(ctx, a.ID)
	}
	if err != nil {
		return nil, s.internal("Unable to load account rights.", err)
	}
	return &v, nil
}

// project strips secrets and slots from a. Rights are left empty.
func project(a *entity.Account) entity.AccountView {
	avatar := credential.GravatarURL(a.Email)
	if a.AvatarURL != nil && *a.AvatarURL != "" {
		avatar = *a.AvatarURL
	}
	return entity.AccountView{
		ID:             a.ID,
		Email:          a.Email,
		Name:           a.Name,
		IsAdmin:        a.IsAdmin,
		IsPartner:      a.IsPartner(),
		IsStructure:    a.IsStructure(),
		PartnerID:      a.PartnerID,
		Active:         a.Active,
		FirstConnexion: a.FirstConnexion,
		PostalAddress:  a.PostalAddress,
		GSM:            a.GSM,
		AvatarURL:      avatar,
		Description:    a.Description,
		Rights:         []rightentity.Right{},
	}
}

// partnerOf returns the partner account with id, or nil.
func (s *Service) partnerOf(ctx context.Context, id int64) *entity.Account {
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if !repo.IsNoRows(err) {
			s.logger.Warnw("partner lookup failed", "partner_id", id, "err", err)
		}
		return nil
	}
	if !p.IsPartner() {
		return nil
	}
	return p
}

func (s *Service) internal(msg string, err error) error {
	s.logger.Errorw(msg, "err", err)
	return apperr.Internal(msg, err)
}

func requireAdmin(actor *entity.AccountView) error {
	if actor == nil {
		return ErrNotAllowed
	}
	if _, ok := actor.Role().(entity.Admin); !ok {
		return ErrNotAllowed
	}
	return nil
}

// withCredentials appends email and envelope as query parameters to a
// frontend link.
func withCredentials(base, email, envelope string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", envelope)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}
