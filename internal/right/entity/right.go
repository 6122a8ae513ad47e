package entity

// Right is a named permission from the rights catalog. Default rights are
// granted to every new non-admin account.
type Right struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	IsDefault   bool   `db:"is_default" json:"is_default"`
}

// NewRight creates a catalog entry.
func NewRight(name, description string, isDefault bool) *Right {
	return &Right{Name: name, Description: description, IsDefault: isDefault}
}
