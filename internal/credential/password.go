package credential

import (
	"crypto/rand"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// Password strength levels accepted by ValidatePasswordStrength.
const (
	LevelAny    = 0
	LevelMedium = 1
	LevelStrong = 2
)

const (
	mediumMinLen = 8
	strongMinLen = 10
	// bcrypt rejects longer inputs
	maxPasswordBytes = 72

	// characters counted as "special" by the strong predicate
	specialChars = "!@#$%^&*)(+=.<>{}[]:;'\"|~`_-"
	// characters a generated password may contain
	generatedChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-+."
)

var (
	ErrPasswordTooShort = errors.New("generated password must be at least 10 characters")
	ErrPasswordTooLong  = errors.New("generated password must be at most 72 characters")
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

var defaultHasher PasswordHasher = BcryptHasher{Cost: 12}

// HashPassword hashes plain with a per-hash random salt.
func HashPassword(plain string) (string, error) { return defaultHasher.Hash(plain) }

// VerifyPassword reports whether plain matches hash.
func VerifyPassword(plain, hash string) bool { return defaultHasher.Verify(hash, plain) }

// PasswordStrength returns the highest level the (trimmed) password reaches.
func PasswordStrength(p string) int {
	t := strings.TrimSpace(p)
	var lower, upper, digit, special bool
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(specialChars, r):
			special = true
		}
	}
	n := utf8.RuneCountInString(t)
	if lower && upper && digit && special && n >= strongMinLen {
		return LevelStrong
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit} {
		if ok {
			classes++
		}
	}
	if classes >= 2 && n >= mediumMinLen {
		return LevelMedium
	}
	return LevelAny
}

// ValidatePasswordStrength reports whether p is non-empty, fits in 72 bytes,
// carries no leading or trailing whitespace and reaches at least level
// (clamped to 0..2).
func ValidatePasswordStrength(p string, level int) bool {
	if p == "" || len(p) > maxPasswordBytes || strings.TrimSpace(p) != p {
		return false
	}
	if level < LevelAny {
		level = LevelAny
	}
	if level > LevelStrong {
		level = LevelStrong
	}
	return PasswordStrength(p) >= level
}

// GenerateSecurePassword returns a random password of length characters drawn
// from the allowed set. Candidates that miss the strong predicate are discarded.
func GenerateSecurePassword(length int) (string, error) {
	if length < strongMinLen {
		return "", ErrPasswordTooShort
	}
	if length > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	for {
		p, err := randomFromSet(length)
		if err != nil {
			return "", err
		}
		if ValidatePasswordStrength(p, LevelStrong) {
			return p, nil
		}
	}
}

func randomFromSet(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, 64)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if strings.IndexByte(generatedChars, b) < 0 {
				continue
			}
			out = append(out, b)
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
