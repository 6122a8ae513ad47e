package account

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/credential"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/notification"
	rightrepo "github.com/ovaphlow/pitchfork/service-accounts/internal/right/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/token"
	"github.com/ovaphlow/pitchfork/service-accounts/pkg/utilities"
)

// Account types accepted by CreateAccount.
const (
	TypeAdmin     = "admin"
	TypePartner   = "partner"
	TypeStructure = "structure"
)

var ErrLastAdmin = apperr.Forbidden("One or more administrator account must be registered. Unable to delete the last one.")

// CreateInput is the payload of CreateAccount.
type CreateInput struct {
	Type          string
	Email         string
	Name          string
	PartnerID     int64
	PostalAddress string
	GSM           string
	AvatarURL     string
	Description   string
}

// CreateAccount registers a new inactive account with a generated password
// and an activation envelope. Non-admin accounts receive the default rights.
// The row and its rights are written in one transaction.
func (s *Service) CreateAccount(ctx context.Context, actor *entity.AccountView, in CreateInput) (*entity.AccountView, notification.Outbox, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, nil, err
	}

	a := &entity.Account{
		Email:          credential.NormalizeEmail(in.Email),
		Name:           strings.TrimSpace(in.Name),
		PostalAddress:  strings.TrimSpace(in.PostalAddress),
		Description:    strings.TrimSpace(in.Description),
		FirstConnexion: true,
	}
	var partner *entity.Account
	switch in.Type {
	case TypeAdmin:
		a.IsAdmin = true
	case TypePartner:
	case TypeStructure:
		if in.PartnerID < 1 {
			return nil, nil, apperr.Validation("Structure has wrong partner.")
		}
		if partner = s.partnerOf(ctx, in.PartnerID); partner == nil {
			return nil, nil, apperr.Validation("Unknown partner.")
		}
		a.PartnerID = partner.ID
	default:
		return nil, nil, apperr.Validation("Bad account type.")
	}

	if !credential.ValidateEmail(a.Email) {
		return nil, nil, apperr.Validation("Bad email format.")
	}
	if !credential.ValidateName(a.Name) {
		return nil, nil, apperr.Validation("Bad name format.")
	}
	gsm, err := credential.NormalizePhone(in.GSM, s.cfg.PhoneRegion)
	if err != nil {
		return nil, nil, apperr.Validation("Bad phone number format.")
	}
	a.GSM = gsm
	if avatar := strings.TrimSpace(in.AvatarURL); avatar != "" {
		a.AvatarURL = &avatar
	}

	if ok, err := s.repo.EmailExists(ctx, a.Email); err != nil {
		return nil, nil, s.internal("Unable to create this account.", err)
	} else if ok {
		return nil, nil, apperr.Conflict("Account already exists with this email.")
	}
	if ok, err := s.repo.NameExists(ctx, a.Name); err != nil {
		return nil, nil, s.internal("Unable to create this account.", err)
	} else if ok {
		return nil, nil, apperr.Conflict("Display name already used for another account.")
	}

	password, err := credential.GenerateSecurePassword(generatedPasswordLength)
	if err != nil {
		return nil, nil, s.internal("Unable to create this account.", err)
	}
	if a.Password, err = s.hasher.Hash(password); err != nil {
		return nil, nil, s.internal("Unable to create this account.", err)
	}
	if a.ActivationToken, err = s.tokens.NewSecret(); err != nil {
		return nil, nil, s.internal("Unable to create this account.", err)
	}
	// sealed before the insert so nothing can fail once the row exists
	env, err := s.tokens.Seal(a.Email, a.ActivationToken, token.Activation)
	if err != nil {
		return nil, nil, err
	}

	err = repo.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := repo.NewAccountRepo(tx).Create(ctx, a); err != nil {
			return err
		}
		if a.IsAdmin {
			return nil
		}
		return rightrepo.NewRepo(tx).AssignDefaults(ctx, a.ID)
	})
	if err != nil {
		return nil, nil, s.internal("Unable to create this account.", err)
	}
	s.logger.Infow("account created", "id", a.ID, "email", a.Email, "role", a.Role().String())

	var out notification.Outbox
	out.Add(notification.ActivationLink, a.Email, map[string]string{
		"display_name": a.Name,
		"link":         withCredentials(s.cfg.ActivationLink, a.Email, env.Token),
	})
	if partner != nil {
		out.Add(notification.StructureCreated, partner.Email, map[string]string{
			"display_name":   partner.Name,
			"structure_name": a.Name,
		})
	}

	view, err := s.View(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	return view, out, nil
}

// UpdateAccount applies the known mutable fields to the account targetID in a
// single update. Unknown or protected fields are dropped. A new email puts the
// account back to inactive with fresh activation credentials. A structure can
// be moved to another existing partner; any other partner_id is dropped.
func (s *Service) UpdateAccount(ctx context.Context, actor *entity.AccountView, targetID int64, fields map[string]any) (notification.Outbox, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	target, err := s.GetAccountByID(ctx, targetID, ExistsOnly())
	if err != nil {
		return nil, err
	}

	update := map[string]any{}
	var out notification.Outbox

	if v, ok := stringField(fields, "name"); ok {
		name := strings.TrimSpace(v)
		if !credential.ValidateName(name) {
			return nil, apperr.Validation("Bad name format.")
		}
		if name != target.Name {
			exists, err := s.repo.NameExists(ctx, name)
			if err != nil {
				return nil, s.internal("Unable to update this account.", err)
			}
			if exists {
				return nil, apperr.Conflict("Display name already used for another account.")
			}
			update["name"] = name
		}
	}
	displayName := target.Name
	if v, ok := update["name"].(string); ok {
		displayName = v
	}

	if v, ok := stringField(fields, "postal_address"); ok {
		update["postal_address"] = strings.TrimSpace(v)
	}
	if v, ok := stringField(fields, "description"); ok {
		update["description"] = strings.TrimSpace(v)
	}
	if v, ok := stringField(fields, "gsm"); ok {
		gsm, err := credential.NormalizePhone(v, s.cfg.PhoneRegion)
		if err != nil {
			return nil, apperr.Validation("Bad phone number format.")
		}
		update["gsm"] = gsm
	}
	if v, ok := stringField(fields, "avatar_url"); ok {
		if v = strings.TrimSpace(v); v == "" {
			update["avatar_url"] = nil
		} else {
			update["avatar_url"] = v
		}
	}

	if v, ok := stringField(fields, "email"); ok {
		email := credential.NormalizeEmail(v)
		if email != target.Email {
			if actor.ID == target.ID {
				return nil, apperr.Validation("Unable to change your own email address.")
			}
			if !credential.ValidateEmail(email) {
				return nil, apperr.Validation("Bad email format.")
			}
			exists, err := s.repo.EmailExists(ctx, email)
			if err != nil {
				return nil, s.internal("Unable to update this account.", err)
			}
			if exists {
				return nil, apperr.Conflict("Account already exists with this email.")
			}
			secret, err := s.tokens.NewSecret()
			if err != nil {
				return nil, s.internal("Unable to update this account.", err)
			}
			env, err := s.tokens.Seal(email, secret, token.Activation)
			if err != nil {
				return nil, err
			}
			update["email"] = email
			update["active"] = false
			update["access_token"] = ""
			update["passwordlost_token"] = ""
			update["activation_token"] = secret
			out.Add(notification.EmailChanged, email, map[string]string{
				"display_name": displayName,
				"link":         withCredentials(s.cfg.ActivationLink, email, env.Token),
			})
		}
	}

	if st, ok := target.Role().(entity.Structure); ok {
		if id, ok := int64Field(fields, "partner_id"); ok && id > 0 && id != st.PartnerID {
			if next := s.partnerOf(ctx, id); next != nil {
				update["partner_id"] = next.ID
				if prev := s.partnerOf(ctx, st.PartnerID); prev != nil {
					out.Add(notification.StructureRemoved, prev.Email, map[string]string{
						"display_name":   prev.Name,
						"structure_name": displayName,
					})
				}
				out.Add(notification.StructureAdded, next.Email, map[string]string{
					"display_name":   next.Name,
					"structure_name": displayName,
				})
			}
		}
	}

	if len(update) == 0 {
		return nil, nil
	}
	if err := s.repo.UpdateFields(ctx, target.ID, update); err != nil {
		return nil, s.internal("Unable to update this account.", err)
	}
	s.logger.Infow("account updated", "id", target.ID, "fields", len(update))
	return out, nil
}

// DeleteAccount removes the account with email. Administrators may delete
// anyone but the last administrator. Partners may delete their own structures
// when allowed by configuration. Deleting a partner deletes its structures.
// Everything runs in one transaction; mails are only returned when
// SendMailsOnDelete is set.
func (s *Service) DeleteAccount(ctx context.Context, actor *entity.AccountView, email string) (notification.Outbox, error) {
	var partnerID int64
	switch r := actor.Role().(type) {
	case entity.Admin:
	case entity.Partner:
		if !s.cfg.PartnersCanDeleteStructures {
			return nil, apperr.Forbidden("Only administrators and authorized partners are able to delete accounts.")
		}
		partnerID = r.ID
	case entity.Structure:
		return nil, apperr.Forbidden("Only administrators and authorized partners are able to delete accounts.")
	}

	target, err := s.GetAccountByEmail(ctx, email, ExistsOnly())
	if err != nil {
		return nil, err
	}
	if partnerID > 0 {
		if st, ok := target.Role().(entity.Structure); !ok || st.PartnerID != partnerID {
			return nil, apperr.Forbidden("Partners are only allowed to delete their structures.")
		}
	}

	var out notification.Outbox
	err = repo.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		accounts := repo.NewAccountRepo(tx)
		rights := rightrepo.NewRepo(tx)

		switch r := target.Role().(type) {
		case entity.Admin:
			n, err := accounts.LockAdmins(ctx)
			if err != nil {
				return err
			}
			if n < 2 {
				return ErrLastAdmin
			}
		case entity.Partner:
			structures, err := accounts.ListStructures(ctx, r.ID, 0, 0)
			if err != nil {
				return err
			}
			if err := rights.DeleteForStructures(ctx, r.ID); err != nil {
				return err
			}
			if _, err := accounts.DeleteByPartner(ctx, r.ID); err != nil {
				return err
			}
			for _, st := range structures {
				out.Add(notification.AccountDeleted, st.Email, map[string]string{"display_name": st.Name})
			}
		case entity.Structure:
			p, err := accounts.FindByID(ctx, r.PartnerID)
			if err != nil && !repo.IsNoRows(err) {
				return err
			}
			if p != nil {
				out.Add(notification.StructureDeleted, p.Email, map[string]string{
					"display_name":   p.Name,
					"structure_name": target.Name,
				})
			}
		}

		if err := rights.DeleteForAccount(ctx, target.ID); err != nil {
			return err
		}
		n, err := accounts.Delete(ctx, target.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAccountNotFound
		}
		out.Add(notification.AccountDeleted, target.Email, map[string]string{"display_name": target.Name})
		return nil
	})
	if err != nil {
		if e := apperr.From(err); e.Code != apperr.CodeInternal {
			return nil, e
		}
		return nil, s.internal("Unable to delete this account.", err)
	}
	s.logger.Infow("account deleted", "id", target.ID, "email", target.Email, "by", actor.ID)

	if !s.cfg.SendMailsOnDelete {
		return nil, nil
	}
	return out, nil
}

// PartnerView is a partner listed with its structures.
type PartnerView struct {
	entity.AccountView
	Structures []entity.AccountView `json:"structures"`
}

// Listing is one page of the accounts visible to the caller. Accounts holds
// {admins, partners} for an administrator, {structures} for a partner and
// nothing for a structure.
type Listing struct {
	utilities.Page
	Accounts any `json:"accounts"`
}

type adminListing struct {
	Admins   []entity.AccountView `json:"admins"`
	Partners []PartnerView        `json:"partners"`
}

type partnerListing struct {
	Structures []entity.AccountView `json:"structures"`
}

// List returns page (1-based) of the accounts visible to actor.
func (s *Service) List(ctx context.Context, actor *entity.AccountView, page int) (*Listing, error) {
	perPage := s.cfg.ItemsPerPage
	offset := utilities.Offset(page, perPage)

	switch r := actor.Role().(type) {
	case entity.Admin:
		admins, err := s.repo.ListAdmins(ctx, perPage, offset)
		if err != nil {
			return nil, s.internal("Unable to list accounts.", err)
		}
		partners, err := s.repo.ListPartners(ctx, perPage, offset)
		if err != nil {
			return nil, s.internal("Unable to list accounts.", err)
		}
		body := adminListing{Admins: projectAll(admins), Partners: make([]PartnerView, 0, len(partners))}
		for i := range partners {
			structures, err := s.repo.ListStructures(ctx, partners[i].ID, 0, 0)
			if err != nil {
				return nil, s.internal("Unable to list accounts.", err)
			}
			body.Partners = append(body.Partners, PartnerView{
				AccountView: project(&partners[i]),
				Structures:  projectAll(structures),
			})
		}
		return &Listing{Page: utilities.NewPage(page, perPage, max(len(admins), len(partners))), Accounts: body}, nil
	case entity.Partner:
		structures, err := s.repo.ListStructures(ctx, r.ID, perPage, offset)
		if err != nil {
			return nil, s.internal("Unable to list accounts.", err)
		}
		return &Listing{
			Page:     utilities.NewPage(page, perPage, len(structures)),
			Accounts: partnerListing{Structures: projectAll(structures)},
		}, nil
	default:
		return &Listing{Page: utilities.NewPage(page, perPage, 0), Accounts: struct{}{}}, nil
	}
}

func projectAll(accounts []entity.Account) []entity.AccountView {
	out := make([]entity.AccountView, 0, len(accounts))
	for i := range accounts {
		out = append(out, project(&accounts[i]))
	}
	return out
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}

func int64Field(fields map[string]any, key string) (int64, bool) {
	switch t := fields[key].(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bootstrap registers an active administrator outside of any session. It is
// used to seed an empty database. An empty password is replaced by a
// generated one, which is returned.
func (s *Service) Bootstrap(ctx context.Context, email, name, password string) (*entity.AccountView, string, error) {
	a := &entity.Account{
		Email:          credential.NormalizeEmail(email),
		Name:           strings.TrimSpace(name),
		IsAdmin:        true,
		Active:         true,
		FirstConnexion: true,
	}
	if !credential.ValidateEmail(a.Email) {
		return nil, "", apperr.Validation("Bad email format.")
	}
	if !credential.ValidateName(a.Name) {
		return nil, "", apperr.Validation("Bad name format.")
	}
	if password == "" {
		generated, err := credential.GenerateSecurePassword(generatedPasswordLength)
		if err != nil {
			return nil, "", s.internal("Unable to create this account.", err)
		}
		password = generated
	} else if !credential.ValidatePasswordStrength(password, s.cfg.PasswordLevel) {
		return nil, "", ErrBadPassword
	}

	if ok, err := s.repo.EmailExists(ctx, a.Email); err != nil {
		return nil, "", s.internal("Unable to create this account.", err)
	} else if ok {
		return nil, "", apperr.Conflict("Account already exists with this email.")
	}
	if ok, err := s.repo.NameExists(ctx, a.Name); err != nil {
		return nil, "", s.internal("Unable to create this account.", err)
	} else if ok {
		return nil, "", apperr.Conflict("Display name already used for another account.")
	}

	var err error
	if a.Password, err = s.hasher.Hash(password); err != nil {
		return nil, "", s.internal("Unable to create this account.", err)
	}
	if _, err := s.repo.Create(ctx, a); err != nil {
		return nil, "", s.internal("Unable to create this account.", err)
	}
	s.logger.Infow("administrator bootstrapped", "id", a.ID, "email", a.Email)
	v := project(a)
	return &v, password, nil
}
