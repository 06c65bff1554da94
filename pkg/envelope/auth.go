package envelope

import (
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/kerr"
)

// Claims are the bearer token claims mapped onto an AuthContext.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// TokenKeyPurpose is the HKDF info string for bearer token keys.
const TokenKeyPurpose = "esta-kernel/bearer-token/v1"

// DeriveKey expands secret into a 32-byte key bound to purpose using
// HKDF-SHA256, so one configured secret can serve several uses.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// HMACKey returns a key func accepting HS256 tokens signed with secret.
func HMACKey(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}
}

// AuthFromToken verifies token with keyFunc and maps it to an AuthContext.
// Expiry is evaluated against now (epoch ms) rather than the wall clock so
// that replays reach the same verdict.
func AuthFromToken(token string, keyFunc jwt.Keyfunc, now int64) (AuthContext, error) {
	const op = "envelope.AuthFromToken"
	parser := jwt.NewParser(
		jwt.WithTimeFunc(func() time.Time { return time.UnixMilli(now) }),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "RS256", "EdDSA"}),
	)
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(token, claims, keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AuthContext{}, kerr.New(kerr.AuthExpired, op, "%v", err)
		}
		return AuthContext{}, kerr.New(kerr.EnvelopeInvalid, op, "%v", err)
	}
	if !tok.Valid {
		return AuthContext{}, kerr.New(kerr.EnvelopeInvalid, op, "invalid token")
	}
	return AuthContext{
		TenantID:  claims.TenantID,
		UserID:    claims.Subject,
		Roles:     claims.Roles,
		ExpiresAt: claims.ExpiresAt.UnixMilli(),
	}, nil
}

// SignHMAC issues an HS256 token for auth. Intended for host tooling and
// tests; the kernel itself never signs.
func SignHMAC(auth AuthContext, secret []byte, issuedAt int64) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   auth.UserID,
			IssuedAt:  jwt.NewNumericDate(time.UnixMilli(issuedAt)),
			ExpiresAt: jwt.NewNumericDate(time.UnixMilli(auth.ExpiresAt)),
		},
		TenantID: auth.TenantID,
		Roles:    auth.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
