// Package auth covers the two credentials agents ever hold: a short-lived
// registration token minted by an operator, and the long-lived API key the
// server hands back at registration. Only a SHA-256 hash of the API key is
// stored; the raw key is shown exactly once.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// registrationTokenDuration defines how long a registration token stays
	// redeemable. Long enough to paste into a provisioning script, short
	// enough that a leaked token goes stale within a shift.
	registrationTokenDuration = 8 * time.Hour

	// rsaKeyBits is the RSA key size used for token signing.
	rsaKeyBits = 2048
)

// RegistrationClaims holds the custom claims embedded in every registration
// token. Standard claims (exp, iat, iss) come via jwt.RegisteredClaims.
type RegistrationClaims struct {
	jwt.RegisteredClaims

	// TeamGUID pins the token to one tenant; the agent registering with it
	// lands in that team and no other.
	TeamGUID string `json:"team"`
}

// TokenManager handles RS256 signing and verification of registration
// tokens. It holds the RSA key pair in memory after initialization.
type TokenManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

// NewTokenManagerFromFiles loads an RSA key pair from PEM files on disk.
// privateKeyPath must point to a PKCS#8 or PKCS#1 PEM-encoded private key;
// publicKeyPath to the corresponding PEM-encoded public key.
//
// Use this in production where keys are mounted as secrets.
func NewTokenManagerFromFiles(privateKeyPath, publicKeyPath, issuer string) (*TokenManager, error) {
	privBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading private key file: %w", err)
	}

	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}

	return newTokenManagerFromPEM(privBytes, pubBytes, issuer)
}

// NewTokenManagerGenerated creates a TokenManager with a freshly generated
// RSA key pair. The keys are ephemeral, so outstanding registration tokens
// die with a server restart. Registered agents are unaffected because API
// keys do not depend on the token keys.
func NewTokenManagerGenerated(issuer string) (*TokenManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}

	return &TokenManager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     issuer,
	}, nil
}

// newTokenManagerFromPEM parses PEM-encoded RSA key bytes.
func newTokenManagerFromPEM(privatePEM, publicPEM []byte, issuer string) (*TokenManager, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	// Support both PKCS#1 (RSA PRIVATE KEY) and PKCS#8 (PRIVATE KEY) formats.
	var privateKey *rsa.PrivateKey
	switch privBlock.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		privateKey = key
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key is not an RSA key")
		}
		privateKey = rsaKey
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", privBlock.Type)
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}

	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &TokenManager{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
	}, nil
}

// GenerateRegistrationToken creates a signed RS256 JWT that lets one agent
// register into the given team before the token expires.
func (m *TokenManager) GenerateRegistrationToken(teamGUID string) (string, error) {
	now := time.Now()
	claims := RegistrationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   teamGUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(registrationTokenDuration)),
			ID:        uuid.NewString(),
		},
		TeamGUID: teamGUID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)

	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing registration token: %w", err)
	}

	return signed, nil
}

// ValidateRegistrationToken parses and verifies a registration token.
// Returns the embedded claims on success, or a sentinel error on failure.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered or malformed ones.
func (m *TokenManager) ValidateRegistrationToken(tokenString string) (*RegistrationClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&RegistrationClaims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than RS256.
			// This prevents the "alg:none" and HMAC confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*RegistrationClaims)
	if !ok || !token.Valid || claims.TeamGUID == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
