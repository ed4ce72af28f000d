package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"

	"github.com/morrigan-hq/morrigan-server/internal/model"
)

const (
	passwordMinLength = 8
	saltBytes         = 16
)

// PasswordProvider is the built-in `password` authentication provider:
// HMAC-SHA-512 with a per-record random salt, constant-time comparison on
// authenticate.
type PasswordProvider struct{}

func (PasswordProvider) Type() string { return "password" }

func (PasswordProvider) Validate(details map[string]interface{}) (map[string]interface{}, error) {
	pw, _ := details["password"].(string)
	if len(pw) < passwordMinLength {
		return nil, fmt.Errorf("password must be at least %d characters", passwordMinLength)
	}
	return map[string]interface{}{"password": pw}, nil
}

func (PasswordProvider) Commit(clean map[string]interface{}) (*model.Authentication, error) {
	pw, _ := clean["password"].(string)
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return &model.Authentication{
		Type: "password",
		Password: &model.PasswordAuth{
			Salt: salt,
			Hash: hashPassword(pw, salt),
		},
	}, nil
}

func (PasswordProvider) Authenticate(stored *model.Authentication, offered map[string]interface{}) error {
	if stored.Password == nil {
		return fmt.Errorf("authentication record has no password variant")
	}
	pw, _ := offered["password"].(string)
	want := hashPassword(pw, stored.Password.Salt)
	if subtle.ConstantTimeCompare(want, stored.Password.Hash) != 1 {
		return fmt.Errorf("incorrect password")
	}
	return nil
}

// hashPassword returns the HMAC-SHA-512 of password keyed by salt.
func hashPassword(password string, salt []byte) []byte {
	mac := hmac.New(sha512.New, salt)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}
