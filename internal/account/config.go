package account

import (
	"os"
	"strconv"
	"strings"
)

// Config carries the account policy knobs.
type Config struct {
	PasswordLevel               int
	ItemsPerPage                int
	PartnersCanDeleteStructures bool
	SendMailsOnDelete           bool
	PhoneRegion                 string
	ActivationLink              string
	NewPasswordLink             string
}

// ConfigFromEnv reads account config from environment variables
func ConfigFromEnv() Config {
	cfg := Config{
		PasswordLevel:               intEnv("PASSWORD_LEVEL", 2),
		ItemsPerPage:                intEnv("ITEMS_PER_PAGE", 10),
		PartnersCanDeleteStructures: os.Getenv("PARTNERS_CAN_DELETE_STRUCTS") == "true",
		SendMailsOnDelete:           os.Getenv("SEND_MAILS_ON_DELETE") == "true",
		PhoneRegion:                 strings.ToUpper(os.Getenv("PHONE_REGION")),
		ActivationLink:              os.Getenv("FRONTEND_ACTIVATION_LINK"),
		NewPasswordLink:             os.Getenv("FRONTEND_NEWPASSWORD_LINK"),
	}
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = "FR"
	}
	if cfg.ItemsPerPage <= 0 {
		cfg.ItemsPerPage = 10
	}
	return cfg
}

func intEnv(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}
