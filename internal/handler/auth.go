package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/lending-engine/internal/domain"
	customError "github.com/segyhp/lending-engine/pkg/errors"
	"github.com/segyhp/lending-engine/pkg/response"
	"github.com/segyhp/lending-engine/pkg/utils"
)

// Claims are the bearer token claims accepted by the gate. The subject is the
// numeric user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens and puts the caller's identity
// in the request context.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
	logger logrus.FieldLogger
}

func NewAuthenticator(secret, issuer string, logger logrus.FieldLogger) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
		logger: logger,
	}
}

func (a *Authenticator) identify(r *http.Request) (domain.Identity, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return domain.Identity{}, errors.New("missing bearer token")
	}

	var claims Claims
	_, err := a.parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return domain.Identity{}, err
	}

	userID, err := utils.ParseID(claims.Subject)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("subject: %w", err)
	}

	switch claims.Role {
	case domain.RoleAdmin, domain.RoleLender:
	default:
		return domain.Identity{}, fmt.Errorf("unknown role %q", claims.Role)
	}

	return domain.Identity{UserID: userID, Role: claims.Role}, nil
}

// Middleware rejects requests without a valid token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.identify(r)
		if err != nil {
			err = fmt.Errorf("%w: %w", customError.ErrUnauthorized, err)
			a.logger.WithError(err).WithField("path", r.URL.Path).Debug("request rejected by authorization gate")
			response.Error(w, r, http.StatusUnauthorized, customError.ErrCodeUnauthorized, "A valid bearer token is required")
			return
		}

		next.ServeHTTP(w, r.WithContext(domain.WithIdentity(r.Context(), identity)))
	})
}

// RequireAdmin lets only the admin role through. It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := domain.IdentityFrom(r.Context())
		if !ok {
			response.Error(w, r, http.StatusUnauthorized, customError.ErrCodeUnauthorized, "A valid bearer token is required")
			return
		}
		if !identity.CanOverride() {
			response.Error(w, r, http.StatusForbidden, customError.ErrCodeForbidden, "Admin role required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
