package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/theme"
)

func registerThemeAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *server) {
	if s.Portal == nil {
		return
	}
	g.GET("/theme", s.getTheme)
	g.PUT("/theme", s.saveTheme, jwt, roleMiddleware(entity.RoleAdmin))
}

func (s *server) getTheme(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.Portal.Theme.Current())
}

func (s *server) saveTheme(ctx echo.Context) error {
	var t theme.Theme
	if err := ctx.Bind(&t); err != nil {
		return errors.Wrap(err, "binding to Theme")
	}
	if err := s.Portal.Theme.Save(t); err != nil {
		return errors.Wrap(err, "saving theme")
	}
	return ctx.JSON(http.StatusOK, s.Portal.Theme.Current())
}
