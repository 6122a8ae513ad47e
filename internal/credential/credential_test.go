package credential

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestPasswordStrength(t *testing.T) {
	cases := []struct {
		pw    string
		level int
		ok    bool
	}{
		{"password1", LevelStrong, false},
		{"Str0ng!Pass", LevelStrong, true},
		{"Str0ng!Pass", LevelMedium, true},
		{"password1", LevelMedium, true},
		{"password", LevelMedium, false},
		{"Ab1", LevelMedium, false},
		{"x", LevelAny, true},
		{"", LevelAny, false},
		{" Str0ng!Pass", LevelStrong, false},
		{"Str0ng!Pass ", LevelAny, false},
		{"Str0ngPass12", LevelStrong, false},
		{"Sh0rt!Pas", LevelStrong, false},
		{"Str0ng!Pass", 7, true},
		{"x", -3, true},
		{strings.Repeat("Str0ng!Pass", 7), LevelAny, false},
		{"Str0ng!Pass" + strings.Repeat("x", 61), LevelStrong, true},
		{"Str0ng!Pass" + strings.Repeat("x", 62), LevelStrong, false},
	}
	for _, tc := range cases {
		t.Run(tc.pw, func(t *testing.T) {
			if got := ValidatePasswordStrength(tc.pw, tc.level); got != tc.ok {
				t.Errorf("ValidatePasswordStrength(%q, %d) = %v, want %v", tc.pw, tc.level, got, tc.ok)
			}
		})
	}
}

func TestGenerateSecurePassword(t *testing.T) {
	is := is.New(t)
	for i := 0; i < 50; i++ {
		p, err := GenerateSecurePassword(16)
		is.NoErr(err)
		is.Equal(len(p), 16)
		is.True(ValidatePasswordStrength(p, LevelStrong))
		for _, r := range p {
			is.True(strings.ContainsRune(generatedChars, r))
		}
	}
	_, err := GenerateSecurePassword(73)
	is.Equal(err, ErrPasswordTooLong)
	_, err = GenerateSecurePassword(8)
	is.Equal(err, ErrPasswordTooShort)
}

func TestHashRoundTrip(t *testing.T) {
	is := is.New(t)
	h := BcryptHasher{Cost: 4}
	hash, err := h.Hash("s3cret-Value")
	is.NoErr(err)
	is.True(hash != "s3cret-Value")
	is.True(h.Verify(hash, "s3cret-Value"))
	is.True(!h.Verify(hash, "s3cret-value"))
	is.True(!h.Verify("", "s3cret-Value"))

	other, err := h.Hash("s3cret-Value")
	is.NoErr(err)
	is.True(other != hash) // salted
}

func TestValidateEmail(t *testing.T) {
	valid := []string{"john@doe.com", "john.doe@mail.example.fr", "a-b@c-d.org", "x_y@z.io"}
	invalid := []string{"", "john", "john@doe", "john@doe.c", "john@doe.comm", "@doe.com", "jo hn@doe.com", "john..doe@doe.com"}
	for _, e := range valid {
		if !ValidateEmail(e) {
			t.Errorf("expected %q to be valid", e)
		}
	}
	for _, e := range invalid {
		if ValidateEmail(e) {
			t.Errorf("expected %q to be invalid", e)
		}
	}
}

func TestValidateName(t *testing.T) {
	is := is.New(t)
	is.True(ValidateName("Jane"))
	is.True(!ValidateName("Bob"))
	is.True(!ValidateName("  Bob   "))
	is.True(ValidateName("Éric"))
}

func TestNormalizePhone(t *testing.T) {
	is := is.New(t)
	p, err := NormalizePhone("06 12 34 56 78", "FR")
	is.NoErr(err)
	is.Equal(p, "+33612345678")

	p, err = NormalizePhone("  ", "FR")
	is.NoErr(err)
	is.Equal(p, "")

	_, err = NormalizePhone("12", "FR")
	is.True(err != nil)
}

func TestRandomToken(t *testing.T) {
	is := is.New(t)
	a, err := RandomToken(64)
	is.NoErr(err)
	is.Equal(len(a), 128)
	b, err := RandomToken(64)
	is.NoErr(err)
	is.True(a != b)
}

func TestGravatarURL(t *testing.T) {
	is := is.New(t)
	is.Equal(GravatarURL(" John@Doe.com "), GravatarURL("john@doe.com"))
	is.True(strings.HasPrefix(GravatarURL("john@doe.com"), "https://www.gravatar.com/avatar/"))
	is.True(strings.HasSuffix(GravatarURL("john@doe.com"), "?s=512&d=mp&r=g"))
}
