package main

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/mail"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/attendance"
)

func (cli *commandLine) seed() error {
	n, err := cli.portal.Seed(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%d documents written\n", n)
	return nil
}

func (cli *commandLine) recomputeRatings() error {
	n, err := cli.portal.RecomputeRatings(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%d course ratings written\n", n)
	return nil
}

// attendanceReport writes the PDF report to out, or mails it to email when set.
func (cli *commandLine) attendanceReport(courseID, date, out, email string) error {
	ctx := context.Background()
	course, err := cli.portal.Course(ctx, courseID)
	if err != nil {
		return err
	}
	records, err := cli.attendance.Records(ctx, course.ID, date)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := attendance.WriteReport(&buf, course, date, records, cli.portal.Theme.Current()); err != nil {
		return err
	}
	filename := "attendance-" + course.ID + ".pdf"

	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return errors.Wrap(err, "parsing email")
		}
		msg := &core.EmailMessage{
			To:      []mail.Address{*addr},
			Subject: "Attendance: " + course.Name,
			BodyStr: fmt.Sprintf("%d sign ins to %s.", len(records), course.Name),
		}
		if err := msg.Attach(&buf, filename, "application/pdf"); err != nil {
			return errors.Wrap(err, "attaching report")
		}
		cli.mailSvc.SendMessages(msg)
		fmt.Fprintf(cli.out, "report sent to %s\n", addr.Address)
		return nil
	}

	if out == "" {
		out = filename
	}
	if err := ioutil.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%d sign ins written to %s\n", len(records), out)
	return nil
}

func (cli *commandLine) signInQR(courseID string, size int, out string) error {
	course, err := cli.portal.Course(context.Background(), courseID)
	if err != nil {
		return err
	}
	png, err := cli.attendance.SignInQR(course.ID, size)
	if err != nil {
		return err
	}
	if out == "" {
		out = "signin-" + course.ID + ".png"
	}
	if err := ioutil.WriteFile(out, png, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s written (%s)\n", out, cli.attendance.SignInURL(course.ID))
	return nil
}

func (cli *commandLine) uploadResource(courseID, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	course, err := cli.portal.AttachResource(context.Background(), courseID, filepath.Base(file), f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "%s uploaded to %s\n", file, course.ResourceURL)
	return nil
}
