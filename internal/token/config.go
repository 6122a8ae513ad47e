package token

import (
	"os"
	"time"
)

// Slot names one of the independent token columns of an account.
type Slot string

const (
	Access       Slot = "access_token"
	PasswordLost Slot = "passwordlost_token"
	Activation   Slot = "activation_token"
)

// Config holds the signing key and the lifetime of each envelope kind.
type Config struct {
	Secret          string
	AccessTTL       time.Duration
	ActivationTTL   time.Duration
	PasswordLostTTL time.Duration
	// SecretBytes is the amount of randomness stored per slot value.
	SecretBytes int
}

// ConfigFromEnv reads JWT_SECRET, JWT_EXPIRE, ACTIVATION_EXPIRE and
// PASSWORDLOST_EXPIRE. Durations use time.ParseDuration syntax.
func ConfigFromEnv() Config {
	return Config{
		Secret:          os.Getenv("JWT_SECRET"),
		AccessTTL:       durationEnv("JWT_EXPIRE", 15*time.Minute),
		ActivationTTL:   durationEnv("ACTIVATION_EXPIRE", 72*time.Hour),
		PasswordLostTTL: durationEnv("PASSWORDLOST_EXPIRE", time.Hour),
		SecretBytes:     64,
	}
}

// TTL returns the lifetime of envelopes minted for s.
func (c Config) TTL(s Slot) time.Duration {
	switch s {
	case Activation:
		return c.ActivationTTL
	case PasswordLost:
		return c.PasswordLostTTL
	default:
		return c.AccessTTL
	}
}

func durationEnv(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return def
}
