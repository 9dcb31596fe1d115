package main

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/attendance"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/portal"
	emailsvc "github.com/trezcool/portal/services/email"
	logsvc "github.com/trezcool/portal/services/logger"
	"github.com/trezcool/portal/services/resources"
	"github.com/trezcool/portal/storage/memstore"
)

const goodPwd = "Tr1cky-Horse"

func setup(t *testing.T) *commandLine {
	t.Helper()
	dir := t.TempDir()
	conf := &core.Config{
		AppName:         "Portal",
		TestMode:        true,
		SecretKey:       "secret",
		FrontendBaseURL: "http://localhost:3000",
		ThemePath:       filepath.Join(dir, "theme.json"),
	}
	logger := logsvc.NewDiscardLogger()
	store := memstore.New()

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	entity.InitValidators(validate, translator)
	auth.InitValidators(validate, translator)

	mailSvc := emailsvc.NewConsoleServiceMock(conf, logger)
	p := portal.New(conf, portal.Deps{
		Store:     store,
		Validate:  validate,
		Logger:    logger,
		Resources: resources.NewLocalStore(filepath.Join(dir, "resources"), "http://localhost:8000/resources"),
	})

	// start CLI
	return &commandLine{
		authSvc:    auth.NewService(conf, auth.Deps{Store: store, Validate: validate, MailSvc: mailSvc, Logger: logger}),
		portal:     p,
		attendance: attendance.NewService(p.Attendance, conf.FrontendBaseURL, nil, logger),
		mailSvc:    mailSvc,
		openDB: func() (*sqlx.DB, error) {
			return sqlx.Open("postgres", "postgres://test@localhost:1/portal?sslmode=disable")
		},
		out: new(bytes.Buffer),
	}
}

type cliTest struct {
	name       string
	args       []string // without program name
	wantErr    error
	wantErrStr string
	wantErrFn  func(err error) bool
	extra      interface{}
}

func checkErr(t *testing.T, tt cliTest, err error) {
	t.Helper()
	switch {
	case tt.wantErr != nil:
		if errors.Cause(err) != tt.wantErr {
			t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
		}
	case tt.wantErrFn != nil:
		if err == nil || !tt.wantErrFn(err) {
			t.Errorf("cli.run() unexpected error = %v", err)
		}
	case tt.wantErrStr != "":
		if err == nil || err.Error() != tt.wantErrStr {
			t.Errorf("cli.run() error = %v, wantErrStr %s", err, tt.wantErrStr)
		}
	case err != nil:
		t.Errorf("cli.run() unexpected error = %v", err)
	}
}

func mockPassword(pwd string) {
	readPasswordFunc = func(fd int) ([]byte, error) {
		return []byte(pwd), nil
	}
}

func addCourse(t *testing.T, cli *commandLine) entity.Course {
	t.Helper()
	ctx := context.Background()
	course := entity.Course{ID: "go", Name: "Go", Instructor: "Rob"}
	require.NoError(t, cli.portal.Courses.Write(ctx, course).Await(ctx).Err)
	return course
}

func Test_commandLine_usage(t *testing.T) {
	cli := setup(t)
	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "migrate without subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "adduser: no args", args: []string{"adduser"}, wantErr: errHelp},
		{name: "adduser: bad role", args: []string{"adduser", "-name", "Jane", "-email", "jane@test.cd", "-role", "dean"}, wantErr: errHelp},
		{name: "resetpassword: no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "attendance-report: no course", args: []string{"attendance-report"}, wantErr: errHelp},
		{name: "signin-qr: no course", args: []string{"signin-qr"}, wantErr: errHelp},
		{name: "upload-resource: no file", args: []string{"upload-resource", "-course", "go"}, wantErr: errHelp},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}
}

func Test_commandLine_migrate(t *testing.T) {
	cli := setup(t)

	defer func(f func(*sqlx.DB, string, string, ...string) error) { migrateFunc = f }(migrateFunc)
	migrateFunc = func(db *sqlx.DB, dir, command string, args ...string) error {
		switch command {
		case "up", "up-by-one", "down", "fix", "redo", "reset", "status", "version": // pass
		case "up-to":
			if len(args) == 0 {
				return fmt.Errorf("up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		case "create":
			if len(args) == 0 {
				return fmt.Errorf("create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]")
			}
		case "down-to":
			if len(args) == 0 {
				return fmt.Errorf("down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION")
			}
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("version must be a number (got '%s')", args[0])
			}
		default:
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}

	tests := []cliTest{
		{name: "no subcommand", args: []string{"migrate"}, wantErr: errHelp},
		{name: "unknown subcommand", args: []string{"migrate", "lol"}, wantErrStr: "\"lol\": no such command"},
		{name: "up-to: no args", args: []string{"migrate", "up-to"}, wantErrStr: "up-to must be of form: goose [OPTIONS] DRIVER DBSTRING up-to VERSION"},
		{name: "up-to: non-int arg", args: []string{"migrate", "up-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "create: no args", args: []string{"migrate", "create"}, wantErrStr: "create must be of form: goose [OPTIONS] DRIVER DBSTRING create NAME [go|sql]"},
		{name: "down-to: no args", args: []string{"migrate", "down-to"}, wantErrStr: "down-to must be of form: goose [OPTIONS] DRIVER DBSTRING down-to VERSION"},
		{name: "down-to: non-int arg", args: []string{"migrate", "down-to", "lol"}, wantErrStr: "version must be a number (got 'lol')"},
		{name: "up", args: []string{"migrate", "up"}},
		{name: "up-by-one", args: []string{"migrate", "up-by-one"}},
		{name: "up-to", args: []string{"migrate", "up-to", "2"}},
		{name: "down", args: []string{"migrate", "down"}},
		{name: "down-to", args: []string{"migrate", "down-to", "1"}},
		{name: "redo", args: []string{"migrate", "redo"}},
		{name: "reset", args: []string{"migrate", "reset"}},
		{name: "status", args: []string{"migrate", "status"}},
		{name: "version", args: []string{"migrate", "version"}},
		{name: "create", args: []string{"migrate", "create", "course", "sql"}},
		{name: "fix", args: []string{"migrate", "fix"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}
}

func Test_commandLine_addUser(t *testing.T) {
	cli := setup(t)
	defer func(f func(int) ([]byte, error)) { readPasswordFunc = f }(readPasswordFunc)

	type extra struct {
		pwd      string
		wantRole string
	}
	tests := []cliTest{
		{name: "no password", args: []string{"adduser", "-name", "Jane", "-email", "jane@test.cd"}, wantErr: errHelp},
		{name: "weak password", args: []string{"adduser", "-name", "Jane", "-email", "jane@test.cd"}, extra: extra{pwd: "12345678"},
			wantErrFn: core.IsValidationError},
		{name: "student", args: []string{"adduser", "-name", "Jane", "-email", "Jane@test.cd"}, extra: extra{pwd: goodPwd, wantRole: entity.RoleStudent}},
		{name: "email taken", args: []string{"adduser", "-name", "Jane", "-email", "jane@test.cd"}, extra: extra{pwd: goodPwd},
			wantErrStr: auth.ErrEmailExists.Error()},
		{name: "teacher", args: []string{"adduser", "-name", "Rob", "-email", "rob@test.cd", "-role", "teacher"}, extra: extra{pwd: goodPwd, wantRole: entity.RoleTeacher}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		ex, _ := tt.extra.(extra)
		mockPassword(ex.pwd)

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			checkErr(t, tt, err)
			if err != nil || ex.wantRole == "" {
				return
			}
			ctx := context.Background()
			ident, err := cli.authSvc.SignIn(ctx, strings.ToLower(args[5]), ex.pwd)
			require.NoError(t, err)
			usr, err := cli.portal.User(ctx, ident.UID)
			require.NoError(t, err)
			assert.Equal(t, ex.wantRole, usr.Role)
		})
	}
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli := setup(t)
	defer func(f func(int) ([]byte, error)) { readPasswordFunc = f }(readPasswordFunc)

	ctx := context.Background()
	_, err := cli.authSvc.SignUp(ctx, auth.NewAccount{Name: "Jane", Email: "jane@test.cd", Password: goodPwd, PasswordConfirm: goodPwd})
	require.NoError(t, err)

	type extra struct {
		pwd string
	}
	tests := []cliTest{
		{name: "no args", args: []string{"resetpassword"}, wantErr: errHelp},
		{name: "email but no password", args: []string{"resetpassword", "-email", "lol@test.cd"}, wantErr: errHelp},
		{name: "user not found", args: []string{"resetpassword", "-email", "lol@test.cd"}, extra: extra{pwd: "Br4nd-New-Horse"}, wantErr: auth.ErrNotFound},
		{name: "reset", args: []string{"resetpassword", "-email", "JANE@test.cd"}, extra: extra{pwd: "Br4nd-New-Horse"}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		ex, _ := tt.extra.(extra)
		mockPassword(ex.pwd)

		t.Run(tt.name, func(t *testing.T) {
			err := cli.run(args)
			checkErr(t, tt, err)
			if err == nil {
				_, err := cli.authSvc.SignIn(ctx, "jane@test.cd", ex.pwd)
				assert.NoError(t, err, "new password")
			}
		})
	}
}

func Test_commandLine_seed(t *testing.T) {
	cli := setup(t)
	require.NoError(t, cli.run([]string{"admin", "seed"}))
	assert.Contains(t, cli.out.(*bytes.Buffer).String(), "documents written")

	ctx := context.Background()
	days := cli.portal.Days.FetchAll(ctx).Await(ctx)
	require.NoError(t, days.Err)
	assert.NotEmpty(t, days.Value)

	// already seeded
	cli.out.(*bytes.Buffer).Reset()
	require.NoError(t, cli.run([]string{"admin", "seed"}))
	assert.Equal(t, "0 documents written\n", cli.out.(*bytes.Buffer).String())
}

func Test_commandLine_ratings(t *testing.T) {
	cli := setup(t)
	ctx := context.Background()
	addCourse(t, cli)
	require.NoError(t, cli.portal.Feedback.Write(ctx, entity.NewFeedback("go", "jane", 4, "")).Await(ctx).Err)

	require.NoError(t, cli.run([]string{"admin", "ratings"}))
	res := cli.portal.Ratings.FetchFiltered(ctx, "id", "go").Await(ctx)
	require.NoError(t, res.Err)
	require.Len(t, res.Value, 1)
	assert.Equal(t, 4.0, res.Value[0].Average)
}

func Test_commandLine_attendanceReport(t *testing.T) {
	cli := setup(t)
	ctx := context.Background()
	addCourse(t, cli)
	_, err := cli.attendance.SignIn(ctx, "go", entity.User{ID: "jane", Name: "Jane", Role: entity.RoleStudent})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "report.pdf")
	tests := []cliTest{
		{name: "unknown course", args: []string{"attendance-report", "-course", "nope"}, wantErr: portal.ErrNotFound},
		{name: "bad email", args: []string{"attendance-report", "-course", "go", "-email", "lol"},
			wantErrFn: func(err error) bool { return strings.HasPrefix(err.Error(), "parsing email") }},
		{name: "to file", args: []string{"attendance-report", "-course", "go", "-out", out}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}

	data, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))

	t.Run("by email", func(t *testing.T) {
		emailsvc.ResetSentMessages()
		require.NoError(t, cli.run([]string{"admin", "attendance-report", "-course", "go", "-email", "rob@test.cd"}))
		msg, ok := emailsvc.LastSentMessage()
		require.True(t, ok)
		assert.Equal(t, "rob@test.cd", msg.To[0].Address)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "attendance-go.pdf", msg.Attachments[0].Filename)
		assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	})
}

func Test_commandLine_signInQR(t *testing.T) {
	cli := setup(t)
	addCourse(t, cli)
	out := filepath.Join(t.TempDir(), "qr.png")

	require.NoError(t, cli.run([]string{"admin", "signin-qr", "-course", "go", "-size", "128", "-out", out}))
	data, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
	assert.Contains(t, cli.out.(*bytes.Buffer).String(), "http://localhost:3000/attendance/sign-in?course=go")
}

func Test_commandLine_uploadResource(t *testing.T) {
	cli := setup(t)
	addCourse(t, cli)
	file := filepath.Join(t.TempDir(), "syllabus.txt")
	require.NoError(t, ioutil.WriteFile(file, []byte("week 1: types"), 0o644))

	tests := []cliTest{
		{name: "missing file", args: []string{"upload-resource", "-course", "go", "-file", file + ".lol"},
			wantErrStr: "open " + file + ".lol: no such file or directory"},
		{name: "unknown course", args: []string{"upload-resource", "-course", "nope", "-file", file}, wantErr: portal.ErrNotFound},
		{name: "upload", args: []string{"upload-resource", "-course", "go", "-file", file}},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)
		t.Run(tt.name, func(t *testing.T) {
			checkErr(t, tt, cli.run(args))
		})
	}

	course, err := cli.portal.Course(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/resources/courses/go/syllabus.txt", course.ResourceURL)
}
