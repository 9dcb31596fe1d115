package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"syscall"

	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/attendance"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/portal"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	authSvc    *auth.Service
	portal     *portal.Portal
	attendance *attendance.Service
	mailSvc    core.EmailService
	openDB     func() (*sqlx.DB, error)
	out        io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  adduser -name NAME -email EMAIL [-role ROLE] - create a user account")
	fmt.Fprintln(cli.out, "  resetpassword -email EMAIL - reset user's password")
	fmt.Fprintln(cli.out, "  seed - write the default days and dashboard items")
	fmt.Fprintln(cli.out, "  ratings - recompute the course ratings")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run the postgres migrations (up, down, redo, status, ...)")
	fmt.Fprintln(cli.out, "  attendance-report -course ID [-date YYYY-MM-DD] [-out FILE | -email EMAIL] - render the attendance PDF")
	fmt.Fprintln(cli.out, "  signin-qr -course ID [-size PX] [-out FILE] - render the attendance sign in QR code")
	fmt.Fprintln(cli.out, "  upload-resource -course ID -file FILE - upload a course resource")
}

// promptPassword reads a password without echo. An empty password is a usage error.
func (cli *commandLine) promptPassword(fs *flag.FlagSet) (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	if len(pwd) == 0 {
		fs.Usage()
		return "", errHelp
	}
	return string(pwd), nil
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ExitOnError)
	addUserName := addUserCmd.String("name", "", "The user's full name.")
	addUserEmail := addUserCmd.String("email", "", "The user's email. The password will be prompted next.")
	addUserRole := addUserCmd.String("role", entity.RoleStudent, "student, teacher or admin.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ExitOnError)
	resetPasswordEmail := resetPasswordCmd.String("email", "", "The user's email. The password will be prompted next.")

	reportCmd := flag.NewFlagSet("attendance-report", flag.ExitOnError)
	reportCourse := reportCmd.String("course", "", "The course ID.")
	reportDate := reportCmd.String("date", "", "Only the sign ins of this day (YYYY-MM-DD).")
	reportOut := reportCmd.String("out", "", "The PDF file to write. Defaults to attendance-<course>.pdf.")
	reportEmail := reportCmd.String("email", "", "Mail the report to this address instead of writing it.")

	qrCmd := flag.NewFlagSet("signin-qr", flag.ExitOnError)
	qrCourse := qrCmd.String("course", "", "The course ID.")
	qrSize := qrCmd.Int("size", attendance.DefaultQRSize, "The image size in pixels.")
	qrOut := qrCmd.String("out", "", "The PNG file to write. Defaults to signin-<course>.png.")

	uploadCmd := flag.NewFlagSet("upload-resource", flag.ExitOnError)
	uploadCourse := uploadCmd.String("course", "", "The course ID.")
	uploadFile := uploadCmd.String("file", "", "The file to upload.")

	switch args[1] {
	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserName == "" || *addUserEmail == "" || !validRole(*addUserRole) {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(addUserCmd)
		if err != nil {
			return err
		}
		return cli.addUser(*addUserName, *addUserEmail, *addUserRole, pwd)
	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordEmail == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(resetPasswordCmd)
		if err != nil {
			return err
		}
		return cli.resetPassword(*resetPasswordEmail, pwd)
	case "seed":
		return cli.seed()
	case "ratings":
		return cli.recomputeRatings()
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "attendance-report":
		if err := reportCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *reportCourse == "" {
			reportCmd.Usage()
			return errHelp
		}
		return cli.attendanceReport(*reportCourse, *reportDate, *reportOut, *reportEmail)
	case "signin-qr":
		if err := qrCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *qrCourse == "" || *qrSize <= 0 {
			qrCmd.Usage()
			return errHelp
		}
		return cli.signInQR(*qrCourse, *qrSize, *qrOut)
	case "upload-resource":
		if err := uploadCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *uploadCourse == "" || *uploadFile == "" {
			uploadCmd.Usage()
			return errHelp
		}
		return cli.uploadResource(*uploadCourse, *uploadFile)
	default:
		cli.printUsage()
		return errHelp
	}
}

func validRole(role string) bool {
	switch role {
	case entity.RoleStudent, entity.RoleTeacher, entity.RoleAdmin:
		return true
	}
	return false
}
