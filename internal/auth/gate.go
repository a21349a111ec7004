// ABOUTME: Authentication gate consulted during connection handshake
// ABOUTME: Turns a bearer credential into a verified user identity

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Gate errors.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrExpiredCredential = errors.New("credential expired")
	ErrMissingClaim      = errors.New("missing required claim")
	ErrGateTimeout       = errors.New("authentication gate timed out")
)

// Identity is a verified user identity returned by a Gate.
type Identity struct {
	UserID      string
	DisplayName string
}

// Gate verifies a handshake credential. Implementations must respect ctx
// deadlines: the handshake path waits a bounded time for a verdict.
type Gate interface {
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// JWTGate verifies HS256-signed JWTs, extracting the user from the "sub"
// claim. It is the reference Gate for deployments that mint bearer tokens
// out of band.
type JWTGate struct {
	secret []byte
}

// NewJWTGate creates a gate verifying tokens signed with the given secret.
func NewJWTGate(secret []byte) (*JWTGate, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTGate{secret: secret}, nil
}

// Authenticate validates the token and extracts the user identity.
func (g *JWTGate) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateTimeout, err)
	}
	if credential == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrUnauthenticated)
	}

	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return nil, ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	identity := &Identity{UserID: sub}
	if name, ok := claims["name"].(string); ok {
		identity.DisplayName = name
	}
	return identity, nil
}

// Generate creates a signed token for the given user with an expiry.
// Used by the CLI token subcommand and by tests.
func (g *JWTGate) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}

// StaticGate maps fixed credentials to user IDs. Intended for development
// and tests only.
type StaticGate struct {
	tokens map[string]string
}

// NewStaticGate creates a gate from a credential-to-userID map.
func NewStaticGate(tokens map[string]string) *StaticGate {
	return &StaticGate{tokens: tokens}
}

// Authenticate looks the credential up in the static table.
func (g *StaticGate) Authenticate(ctx context.Context, credential string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateTimeout, err)
	}
	userID, ok := g.tokens[credential]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &Identity{UserID: userID}, nil
}
