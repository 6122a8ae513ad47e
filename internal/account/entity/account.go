package entity

import (
	"time"

	rightentity "github.com/ovaphlow/pitchfork/service-accounts/internal/right/entity"
)

// Account represents a row in the `accounts` table. Secrets and token slots are
// carried here for the service layer only; clients receive an AccountView.
type Account struct {
	ID                int64     `db:"id"`
	Email             string    `db:"email"`
	Name              string    `db:"name"`
	Password          string    `db:"password"`
	IsAdmin           bool      `db:"is_admin"`
	PartnerID         int64     `db:"partner_id"`
	AccessToken       string    `db:"access_token"`
	PasswordLostToken string    `db:"passwordlost_token"`
	ActivationToken   string    `db:"activation_token"`
	Active            bool      `db:"active"`
	FirstConnexion    bool      `db:"first_connexion"`
	PostalAddress     string    `db:"postal_address"`
	GSM               string    `db:"gsm"`
	AvatarURL         *string   `db:"avatar_url"`
	Description       string    `db:"description"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Role is the closed set of account roles. Exactly one holds per account.
// Implementations: Admin, Partner, Structure.
type Role interface {
	role()
	String() string
}

type Admin struct{}

// Partner owns zero or more structures; ID is the partner's own account id.
type Partner struct{ ID int64 }

// Structure belongs to the partner whose account id is PartnerID.
type Structure struct{ PartnerID int64 }

func (Admin) role()     {}
func (Partner) role()   {}
func (Structure) role() {}

func (Admin) String() string     { return "admin" }
func (Partner) String() string   { return "partner" }
func (Structure) String() string { return "structure" }

// Role is computed from is_admin and partner_id; it is never stored.
func (a *Account) Role() Role {
	switch {
	case a.IsAdmin:
		return Admin{}
	case a.PartnerID > 0:
		return Structure{PartnerID: a.PartnerID}
	default:
		return Partner{ID: a.ID}
	}
}

func (a *Account) IsPartner() bool {
	_, ok := a.Role().(Partner)
	return ok
}

func (a *Account) IsStructure() bool {
	_, ok := a.Role().(Structure)
	return ok
}

// Slot returns the stored value of a token column.
func (a *Account) Slot(column string) string {
	switch column {
	case "access_token":
		return a.AccessToken
	case "passwordlost_token":
		return a.PasswordLostToken
	case "activation_token":
		return a.ActivationToken
	default:
		return ""
	}
}

// AccountView is the sanitized projection returned to clients: no password,
// no token slot values.
type AccountView struct {
	ID             int64               `json:"id"`
	Email          string              `json:"email"`
	Name           string              `json:"name"`
	IsAdmin        bool                `json:"is_admin"`
	IsPartner      bool                `json:"is_partner"`
	IsStructure    bool                `json:"is_structure"`
	PartnerID      int64               `json:"partner_id"`
	Active         bool                `json:"active"`
	FirstConnexion bool                `json:"first_connexion"`
	PostalAddress  string              `json:"postal_address"`
	GSM            string              `json:"gsm"`
	AvatarURL      string              `json:"avatar_url"`
	Description    string              `json:"description"`
	Rights         []rightentity.Right `json:"rights"`
}

// Role mirrors Account.Role for an authenticated view.
func (v *AccountView) Role() Role {
	switch {
	case v.IsAdmin:
		return Admin{}
	case v.PartnerID > 0:
		return Structure{PartnerID: v.PartnerID}
	default:
		return Partner{ID: v.ID}
	}
}
