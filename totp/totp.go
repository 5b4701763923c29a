// Package totp generates and validates time-based one-time passwords for the
// VRChat two-factor login step. Codes are the standard 6-digit, 30-second,
// SHA-1 variant that VRChat issues secrets for.
package totp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrInvalidSecret reports a shared secret that is not valid base32.
var ErrInvalidSecret = errors.New("totp: invalid shared secret")

var opts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// normalizeSecret strips whitespace and upper-cases a base32 secret. VRChat
// displays secrets in lowercase groups of four.
func normalizeSecret(secret string) string {
	s := strings.ToUpper(secret)
	s = strings.ReplaceAll(s, " ", "")
	return strings.ReplaceAll(s, "-", "")
}

// Code returns the 6-digit code for the given shared secret at time t.
func Code(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(normalizeSecret(secret), t, opts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return code, nil
}

// Now returns the code for the current time step.
func Now(secret string) (string, error) {
	return Code(secret, time.Now())
}

// Validate checks a code against the secret at time t, accepting the
// immediately preceding and following time steps to tolerate clock skew.
func Validate(code, secret string, t time.Time) (bool, error) {
	ok, err := totp.ValidateCustom(code, normalizeSecret(secret), t, opts)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return ok, nil
}
