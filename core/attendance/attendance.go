// Package attendance records the sign ins of users to courses and renders them for teachers.
package attendance

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/core/notify"
	"github.com/trezcool/portal/core/state"
	"github.com/trezcool/portal/core/theme"
)

// DefaultQRSize is the side of the sign in QR codes, in pixels.
const DefaultQRSize = 256

type Service struct {
	records         *mirror.Mirror[entity.Attendance]
	frontendBaseURL string
	notifier        notify.Notifier
	logger          core.Logger
}

func NewService(records *mirror.Mirror[entity.Attendance], frontendBaseURL string, notifier notify.Notifier, logger core.Logger) *Service {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Service{
		records:         records,
		frontendBaseURL: strings.TrimSuffix(frontendBaseURL, "/"),
		notifier:        notifier,
		logger:          logger,
	}
}

// SignIn records the presence of usr to the course today.
// Signing in twice on the same day returns the first record.
func (svc *Service) SignIn(ctx context.Context, courseID string, usr entity.User) (entity.Attendance, error) {
	rec := entity.NewAttendance(courseID, usr)
	existing, err := svc.Records(ctx, courseID, rec.Date)
	if err != nil {
		return entity.Attendance{}, err
	}
	for _, e := range existing {
		if e.UserID == usr.ID {
			return e, nil
		}
	}

	res := svc.records.Write(ctx, rec).Await(ctx)
	if res.Err != nil {
		return entity.Attendance{}, res.Err
	}
	svc.notifier.Notify(notify.Notification{
		Topic: notify.TopicAttendance,
		Title: usr.Name + " signed in",
		Body:  fmt.Sprintf("%s signed in to %s on %s", usr.Name, courseID, rec.Date),
	})
	return res.Value, nil
}

// Records returns the sign ins to the course, in sign in order. An empty date means every day.
func (svc *Service) Records(ctx context.Context, courseID, date string) ([]entity.Attendance, error) {
	res := svc.records.FetchFiltered(ctx, "courseId", courseID).Await(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	records := make([]entity.Attendance, 0, len(res.Value))
	for _, r := range res.Value {
		if date == "" || r.Date == date {
			records = append(records, r)
		}
	}
	Sort(records)
	return records, nil
}

// Sort orders records by sign in time, then by name.
func Sort(records []entity.Attendance) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].SignedInAt != records[j].SignedInAt {
			return records[i].SignedInAt < records[j].SignedInAt
		}
		return records[i].Name < records[j].Name
	})
}

// Manage returns the live list of the sign ins to the course, for the teacher screen.
// The list is refreshed every interval (or on push) until ctx is done or the holder is closed.
func (svc *Service) Manage(ctx context.Context, courseID string, interval time.Duration) (*state.Holder[entity.Attendance], error) {
	h := state.New[entity.Attendance](ctx, svc.records, state.Options{
		Filter: &mirror.Filter{Field: "courseId", Value: courseID},
		Logger: svc.logger,
	})
	if err := h.Poll(interval); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// SignInURL is the link students open to sign in to the course.
func (svc *Service) SignInURL(courseID string) string {
	return svc.frontendBaseURL + "/attendance/sign-in?course=" + url.QueryEscape(courseID)
}

// SignInQR encodes the sign in link of the course as a PNG QR code.
func (svc *Service) SignInQR(courseID string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(svc.SignInURL(courseID), qrcode.Medium, size)
	return png, errors.Wrap(err, "encoding sign in qr code")
}

// WriteReport writes the attendance sheet of the course as a PDF.
// The header uses the primary colour of th.
func WriteReport(w io.Writer, course entity.Course, date string, records []entity.Attendance, th theme.Theme) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Attendance - "+course.Name, true)
	pdf.AddPage()

	r, g, b, err := theme.RGB(th.Primary)
	if err != nil {
		r, g, b, _ = theme.RGB(theme.Default.Primary)
	}

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, course.Name)
	pdf.Ln(9)
	pdf.SetFont("Helvetica", "", 10)
	if course.Instructor != "" {
		pdf.Cell(0, 5, "Instructor: "+course.Instructor)
		pdf.Ln(5)
	}
	period := date
	if period == "" {
		period = "all dates"
	}
	pdf.Cell(0, 5, fmt.Sprintf("Attendance - %s - %d sign in(s)", period, len(records)))
	pdf.Ln(4)
	pdf.SetDrawColor(r, g, b)
	pdf.SetLineWidth(0.5)
	pdf.Line(20, pdf.GetY(), 190, pdf.GetY())
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(r, g, b)
	pdf.SetTextColor(255, 255, 255)
	pdf.CellFormat(10, 8, "#", "1", 0, "C", true, 0, "")
	pdf.CellFormat(80, 8, "NAME", "1", 0, "L", true, 0, "")
	pdf.CellFormat(35, 8, "DATE", "1", 0, "C", true, 0, "")
	pdf.CellFormat(30, 8, "TIME", "1", 0, "C", true, 0, "")
	pdf.CellFormat(25, 8, "PRESENT", "1", 1, "C", true, 0, "")

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetFillColor(245, 245, 245)
	for i, rec := range records {
		fill := i%2 == 0
		present := "no"
		if rec.Present {
			present = "yes"
		}
		at := time.Unix(rec.SignedInAt, 0).UTC().Format("15:04")
		pdf.CellFormat(10, 7, fmt.Sprint(i+1), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(80, 7, rec.Name, "1", 0, "L", fill, 0, "")
		pdf.CellFormat(35, 7, rec.Date, "1", 0, "C", fill, 0, "")
		pdf.CellFormat(30, 7, at, "1", 0, "C", fill, 0, "")
		pdf.CellFormat(25, 7, present, "1", 1, "C", fill, 0, "")
	}
	if len(records) == 0 {
		pdf.CellFormat(180, 7, "No sign in.", "1", 1, "C", false, 0, "")
	}

	return errors.Wrap(pdf.Output(w), "writing attendance report")
}
