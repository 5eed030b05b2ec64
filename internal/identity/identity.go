// Package identity turns whatever the login subsystem hands over into the
// user the engine acts as.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"listen-room/internal/config"
	"listen-room/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoUserClaim = errors.New("token carries no user_id claim")

// Provider yields the current user, or nil when nobody is logged in.
type Provider interface {
	CurrentUser() *models.User
}

// Static is a Provider that always answers the same user.
type Static struct {
	User *models.User
}

func (s Static) CurrentUser() *models.User {
	if s.User.IsAnonymous() {
		return nil
	}
	return s.User
}

// FromToken reads the user out of a bearer JWT issued by the login service.
// The signature is not checked here; the resource API verifies it on every
// request and the engine only needs the claims to label its own traffic.
func FromToken(token string) (*models.User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	id, err := userIDClaim(claims)
	if err != nil {
		return nil, err
	}

	user := &models.User{ID: id, Token: token}
	if name, ok := claims["username"].(string); ok {
		user.Username = name
	}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	return user, nil
}

func userIDClaim(claims jwt.MapClaims) (int64, error) {
	raw, ok := claims["user_id"]
	if !ok {
		raw, ok = claims["sub"]
	}
	if !ok {
		return 0, ErrNoUserClaim
	}

	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("user_id claim %q: %w", v, err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("user_id claim has type %T", raw)
	}
}

// FromConfig builds the user from configuration. A token wins over the
// explicit id/name pair; explicit values fill whatever the token lacks.
func FromConfig(cfg config.IdentityConfig) (*models.User, error) {
	user := &models.User{ID: cfg.UserID, Username: cfg.Username}
	if cfg.Token != "" {
		fromToken, err := FromToken(cfg.Token)
		if err != nil {
			return nil, err
		}
		user = fromToken
		if user.Username == "" {
			user.Username = cfg.Username
		}
	}
	if user.IsAnonymous() {
		return nil, nil
	}
	return user, nil
}
