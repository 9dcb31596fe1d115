package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/auth"
)

type (
	TokenResponse struct {
		Token string `json:"token"`
		UID   string `json:"uid"`
	}

	PasswordResetRequest struct {
		Email string `json:"email" validate:"required,email"`
	}

	SuccessResponse struct {
		Success string `json:"success"`
	}
)

func registerAuthAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *server) {
	ag := g.Group("/auth")

	// un-authed endpoints
	// TODO: rate limit `/login`, `/password-reset` & `/password-reset-confirm`
	ag.POST("/signup", s.signUp)
	ag.POST("/login", s.login)
	ag.POST("/oauth/:provider", s.providerLogin)
	ag.POST("/password-reset", s.resetPassword)
	ag.POST("/password-reset-confirm", s.confirmPasswordReset)

	// authed endpoints
	ag.POST("/token-refresh", s.tokenRefresh, jwt)
}

func (s *server) respondWithToken(ctx echo.Context, code int, ident auth.Identity) error {
	token, err := s.issueToken(ctx, ident)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(code, TokenResponse{Token: token, UID: ident.UID})
}

func (s *server) signUp(ctx echo.Context) error {
	var data auth.NewAccount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAccount")
	}
	ident, err := s.AuthSvc.SignUp(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "signing up")
	}
	return s.respondWithToken(ctx, http.StatusCreated, ident)
}

func (s *server) login(ctx echo.Context) error {
	var data auth.Credentials
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Credentials")
	}
	data.Email = core.CleanString(data.Email, true /* lower */)
	if err := s.Validate.Struct(data); err != nil {
		return err
	}
	ident, err := s.AuthSvc.SignIn(ctx.Request().Context(), data.Email, data.Password)
	if err != nil {
		return errors.Wrap(err, "authenticating")
	}
	return s.respondWithToken(ctx, http.StatusOK, ident)
}

func (s *server) providerLogin(ctx echo.Context) error {
	var data auth.ProviderSignIn
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ProviderSignIn")
	}
	if err := s.Validate.Struct(data); err != nil {
		return err
	}
	ident, err := s.AuthSvc.SignInWithProvider(ctx.Request().Context(), ctx.Param("provider"), data.AccessToken)
	if err != nil {
		return errors.Wrap(err, "authenticating with provider")
	}
	return s.respondWithToken(ctx, http.StatusOK, ident)
}

func (s *server) resetPassword(ctx echo.Context) error {
	var data PasswordResetRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PasswordResetRequest")
	}
	data.Email = core.CleanString(data.Email, true /* lower */)
	if err := s.Validate.Struct(data); err != nil {
		return err
	}

	if err := s.AuthSvc.RequestPasswordReset(ctx.Request().Context(), data.Email); err != nil {
		// do not return errors to attackers
		s.Logger.Error("requesting password reset", errors.Wrap(err, "requesting password reset"))
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{
		Success: "If the email address supplied is associated with an account on this system, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})
}

func (s *server) confirmPasswordReset(ctx echo.Context) error {
	var data auth.ResetPassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetPassword")
	}
	if _, err := s.AuthSvc.ResetPassword(ctx.Request().Context(), data); err != nil {
		return errors.Wrap(err, "resetting password")
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Password has been reset with the new password."})
}

func (s *server) tokenRefresh(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	token, err := s.refreshToken(ctx)
	if err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	return ctx.JSON(http.StatusOK, TokenResponse{Token: token, UID: claims.Subject})
}
