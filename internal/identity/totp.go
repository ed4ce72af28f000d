package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpIssuer        = "Morrigan"
	recoveryCodeCount = 8
	recoveryCodeBytes = 4
)

// GenerateTOTPSecret creates a new TOTP secret for the given identity
// name. The returned key carries the provisioning URL for QR display.
// Service.Authenticate and the `password` provider do not consult the
// Authentication record's TOTP variant: login completes on the primary
// provider's check alone, and VerifyTOTPCode is not called by them.
func GenerateTOTPSecret(name string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{Issuer: totpIssuer, AccountName: name})
}

// VerifyTOTPCode checks a 6-digit code against secret.
func VerifyTOTPCode(secret, code string) bool {
	return totp.Validate(code, secret)
}

// GenerateRecoveryCodes creates one-time recovery codes. Returns the
// plaintext codes (shown once) and their stored representation.
func GenerateRecoveryCodes() (plain []string, stored []string, err error) {
	plain = make([]string, recoveryCodeCount)
	stored = make([]string, recoveryCodeCount)
	for i := 0; i < recoveryCodeCount; i++ {
		b := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(b); err != nil {
			return nil, nil, fmt.Errorf("generate recovery code: %w", err)
		}
		code := hex.EncodeToString(b)
		plain[i] = code
		stored[i] = code
	}
	return plain, stored, nil
}

// consumeRecoveryCode removes a matching code from codes (constant-time
// compare per entry) and returns the remaining set plus whether a match
// was found.
func consumeRecoveryCode(codes []string, offered string) ([]string, bool) {
	for i, c := range codes {
		if subtle.ConstantTimeCompare([]byte(c), []byte(offered)) == 1 {
			remaining := append([]string(nil), codes[:i]...)
			remaining = append(remaining, codes[i+1:]...)
			return remaining, true
		}
	}
	return codes, false
}
