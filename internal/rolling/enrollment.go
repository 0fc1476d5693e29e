package rolling

// Enrollment tokens carry the rolling secret to a phone. They are HS256 JWTs keyed by the pairing
// passkey, which the phone's owner already has to type in during pairing.

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const enrollmentAudience = "vehicle-opener.enrollment"

var ErrEnrollment = errors.New("rolling: invalid enrollment token")

// Enrollment is what a phone needs to verify rolling codes from a device.
type Enrollment struct {
	Device  string
	Service string
	Secret  []byte
	Digits  int
}

type enrollmentClaims struct {
	jwt.RegisteredClaims
	Service string `json:"svc"`
	Secret  string `json:"sec"`
	Digits  int    `json:"dig"`
}

func enrollmentKey(passkey uint32) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%06d", enrollmentAudience, passkey)))
	return sum[:]
}

// IssueEnrollment returns a signed token for e that expires after ttl.
func IssueEnrollment(e Enrollment, passkey uint32, ttl time.Duration) (string, error) {
	if len(e.Secret) < MinSecretLength {
		return "", ErrShortSecret
	}
	if err := checkDigits(e.Digits); err != nil {
		return "", err
	}
	now := time.Now()
	claims := enrollmentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.Device,
			Audience:  jwt.ClaimStrings{enrollmentAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Service: e.Service,
		Secret:  base64.RawURLEncoding.EncodeToString(e.Secret),
		Digits:  e.Digits,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(enrollmentKey(passkey))
}

// ParseEnrollment verifies token against passkey and returns its contents.
func ParseEnrollment(token string, passkey uint32) (*Enrollment, error) {
	var claims enrollmentClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return enrollmentKey(passkey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(enrollmentAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnrollment, err)
	}
	secret, err := base64.RawURLEncoding.DecodeString(claims.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnrollment, err)
	}
	return &Enrollment{
		Device:  claims.Issuer,
		Service: claims.Service,
		Secret:  secret,
		Digits:  claims.Digits,
	}, nil
}
