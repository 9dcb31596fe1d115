package echoapi

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core/attendance"
)

func registerCourseAPI(g *echo.Group, jwt echo.MiddlewareFunc, s *server) {
	if s.Portal == nil {
		return
	}
	cg := g.Group("/courses/:id", jwt)
	cg.GET("/rating", s.courseRating)
	if s.Attendance != nil {
		cg.POST("/attendance", s.attendanceSignIn)
		cg.GET("/attendance", s.attendanceRecords, staffMiddleware)
		cg.GET("/attendance/report", s.attendanceReport, staffMiddleware)
		cg.GET("/signin-qr", s.signInQR, staffMiddleware)
	}
}

func (s *server) courseRating(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	if _, err := s.Portal.Course(rctx, ctx.Param("id")); err != nil {
		return errors.Wrap(err, "finding course")
	}
	rating, err := s.Portal.AverageRating(rctx, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "computing rating")
	}
	return ctx.JSON(http.StatusOK, rating)
}

func (s *server) attendanceSignIn(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	rctx := ctx.Request().Context()
	course, err := s.Portal.Course(rctx, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding course")
	}
	usr, err := s.Portal.User(rctx, claims.Subject)
	if err != nil {
		return errors.Wrap(err, "finding user profile")
	}
	rec, err := s.Attendance.SignIn(rctx, course.ID, usr)
	if err != nil {
		return errors.Wrap(err, "signing in")
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (s *server) attendanceRecords(ctx echo.Context) error {
	records, err := s.Attendance.Records(ctx.Request().Context(), ctx.Param("id"), ctx.QueryParam("date"))
	if err != nil {
		return errors.Wrap(err, "reading attendance")
	}
	return ctx.JSON(http.StatusOK, records)
}

func (s *server) attendanceReport(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	course, err := s.Portal.Course(rctx, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding course")
	}
	date := ctx.QueryParam("date")
	records, err := s.Attendance.Records(rctx, course.ID, date)
	if err != nil {
		return errors.Wrap(err, "reading attendance")
	}

	var buf bytes.Buffer
	if err := attendance.WriteReport(&buf, course, date, records, s.Portal.Theme.Current()); err != nil {
		return err
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition, `inline; filename="attendance.pdf"`)
	return ctx.Blob(http.StatusOK, "application/pdf", buf.Bytes())
}

func (s *server) signInQR(ctx echo.Context) error {
	course, err := s.Portal.Course(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding course")
	}
	var size int
	if q := ctx.QueryParam("size"); q != "" {
		if size, err = strconv.Atoi(q); err != nil || size < 64 || size > 2048 {
			return echo.NewHTTPError(http.StatusBadRequest, "size must be between 64 and 2048")
		}
	}
	png, err := s.Attendance.SignInQR(course.ID, size)
	if err != nil {
		return err
	}
	return ctx.Blob(http.StatusOK, "image/png", png)
}
