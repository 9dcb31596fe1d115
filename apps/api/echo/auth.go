package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
)

var nowFunc = time.Now // mockable

const contextTokenKey = "userToken"

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64  `json:"oriat,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
}

// LogPerson identifies the token owner in the error logs.
func (c Claims) LogPerson() (id, username, email string) {
	return c.Subject, c.Email, c.Email
}

type jwtSettings struct {
	config            middleware.JWTConfig
	wsConfig          middleware.JWTConfig // token read from the query: browsers cannot set websocket headers
	issuer            string
	expiration        time.Duration
	refreshExpiration time.Duration
}

func newJWTSettings(conf *core.Config) jwtSettings {
	config := middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
	wsConfig := config
	wsConfig.TokenLookup = "query:token"
	return jwtSettings{
		config:            config,
		wsConfig:          wsConfig,
		issuer:            conf.AppName,
		expiration:        conf.Server.JWTExpirationDelta,
		refreshExpiration: conf.Server.JWTRefreshExpirationDelta,
	}
}

// claimsFor returns the claims of ident. role is the role of its user profile, if any.
func (js jwtSettings) claimsFor(ident auth.Identity, role string, origIat ...int64) *Claims {
	now := nowFunc()
	nownix := now.Unix()

	oriat := nownix
	if len(origIat) > 0 {
		oriat = origIat[0]
	}
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    js.issuer,
			Subject:   ident.UID,
			Audience:  "Portal",
			ExpiresAt: now.Add(js.expiration).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Email:        ident.Email,
		Role:         role,
	}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func (js jwtSettings) GenerateToken(claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(js.config.SigningMethod)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString(js.config.SigningKey)
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// issueToken returns a token for ident, carrying the role of its user profile.
func (s *server) issueToken(ctx echo.Context, ident auth.Identity, origIat ...int64) (string, error) {
	var role string
	if s.Portal != nil {
		usr, err := s.Portal.User(ctx.Request().Context(), ident.UID)
		if err == nil {
			role = usr.Role
		} else if !isNotFound(err) {
			return "", errors.Wrap(err, "finding user profile")
		}
	}
	return s.jwt.GenerateToken(s.jwt.claimsFor(ident, role, origIat...))
}

func (s *server) refreshToken(ctx echo.Context) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context claims")
	}

	// check if refresh has not expired
	expTime := time.Unix(claims.OrigIssuedAt, 0).Add(s.jwt.refreshExpiration)
	if nowFunc().After(expTime) {
		return "", errRefreshExpired
	}
	ident := auth.Identity{UID: claims.Subject, Email: claims.Email}
	return s.issueToken(ctx, ident, claims.OrigIssuedAt)
}

// roleMiddleware only lets the tokens carrying one of roles through.
func roleMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			for _, role := range roles {
				if claims.Role == role {
					return next(ctx)
				}
			}
			return errHttpForbidden
		}
	}
}

var staffMiddleware = roleMiddleware(entity.RoleTeacher, entity.RoleAdmin)
