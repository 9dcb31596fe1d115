// Package portal is the application context object handed to every screen and job:
// one mirror per collection, the colour theme, the signed in user and the notifier.
package portal

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/core/notify"
	"github.com/trezcool/portal/core/theme"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotSignedIn     = errors.New("not signed in")
	ErrNoResourceStore = errors.New("no resource store configured")
)

// ResourceStore saves course resource files and returns their public URL.
type ResourceStore interface {
	Put(ctx context.Context, key string, r io.Reader) (publicURL string, err error)
}

type Deps struct {
	Store     mirror.Store
	Validate  *validator.Validate
	Logger    core.Logger
	Notifier  notify.Notifier // optional
	Theme     *theme.Store    // optional
	Resources ResourceStore   // optional
}

type Portal struct {
	Users         *mirror.Mirror[entity.User]
	Subjects      *mirror.Mirror[entity.Subject]
	Assignments   *mirror.Mirror[entity.Assignment]
	Announcements *mirror.Mirror[entity.Announcement]
	Timetable     *mirror.Mirror[entity.Timetable]
	Days          *mirror.Mirror[entity.Day]
	Courses       *mirror.Mirror[entity.Course]
	Feedback      *mirror.Mirror[entity.Feedback]
	Messages      *mirror.Mirror[entity.Message]
	GridItems     *mirror.Mirror[entity.GridItem]
	Attendance    *mirror.Mirror[entity.Attendance]
	Ratings       *mirror.Mirror[entity.CourseRating]

	Theme *theme.Store

	notifier  notify.Notifier
	resources ResourceStore
	logger    core.Logger

	mu      sync.RWMutex
	session *Session
}

// Session is the signed in user.
type Session struct {
	Identity auth.Identity
	User     entity.User
}

func New(conf *core.Config, deps Deps) *Portal {
	opts := mirror.Options{
		Logger:   deps.Logger,
		Validate: deps.Validate,
		Retry:    mirror.Backoff{Attempts: conf.Retry.Attempts, Delay: conf.Retry.Delay},
	}
	p := &Portal{
		Users:         mirror.New[entity.User](deps.Store, entity.UsersCollection, opts),
		Subjects:      mirror.New[entity.Subject](deps.Store, entity.SubjectsCollection, opts),
		Assignments:   mirror.New[entity.Assignment](deps.Store, entity.AssignmentsCollection, opts),
		Announcements: mirror.New[entity.Announcement](deps.Store, entity.AnnouncementsCollection, opts),
		Timetable:     mirror.New[entity.Timetable](deps.Store, entity.TimetableCollection, opts),
		Days:          mirror.New[entity.Day](deps.Store, entity.DaysCollection, opts),
		Courses:       mirror.New[entity.Course](deps.Store, entity.CoursesCollection, opts),
		Feedback:      mirror.New[entity.Feedback](deps.Store, entity.FeedbackCollection, opts),
		Messages:      mirror.New[entity.Message](deps.Store, entity.MessagesCollection, opts),
		GridItems:     mirror.New[entity.GridItem](deps.Store, entity.GridItemsCollection, opts),
		Attendance:    mirror.New[entity.Attendance](deps.Store, entity.AttendanceCollection, opts),
		Ratings:       mirror.New[entity.CourseRating](deps.Store, entity.RatingsCollection, opts),
		Theme:         deps.Theme,
		notifier:      deps.Notifier,
		resources:     deps.Resources,
		logger:        deps.Logger,
	}
	if p.notifier == nil {
		p.notifier = notify.Discard
	}
	if p.Theme == nil {
		p.Theme = theme.NewStore(conf.ThemePath, deps.Validate, deps.Logger)
	}

	p.Timetable.OnWrite(func(t entity.Timetable) {
		p.notifier.Notify(notify.Notification{
			Topic: notify.TopicTimetable,
			Title: "Timetable: " + t.Subject,
			Body:  fmt.Sprintf("%s %s-%s %s", t.Subject, t.StartTime, t.EndTime, t.Room),
		})
	})
	p.Announcements.OnWrite(func(a entity.Announcement) {
		p.notifier.Notify(notify.Notification{
			Topic: notify.TopicAnnouncements,
			Title: a.Title,
			Body:  a.Description,
		})
	})
	return p
}

// SignedIn loads the profile of ident and keeps it as the current session.
func (p *Portal) SignedIn(ctx context.Context, ident auth.Identity) (Session, error) {
	usr, err := p.User(ctx, ident.UID)
	if err != nil {
		return Session{}, err
	}
	s := Session{Identity: ident, User: usr}
	p.mu.Lock()
	p.session = &s
	p.mu.Unlock()
	return s, nil
}

func (p *Portal) SignOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
}

// Session returns the current session.
func (p *Portal) Session() (Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return Session{}, ErrNotSignedIn
	}
	return *p.session, nil
}

// UpdateProfile writes usr and refreshes the session when it is the signed in user.
func (p *Portal) UpdateProfile(ctx context.Context, usr entity.User) (entity.User, error) {
	res := p.Users.Write(ctx, usr).Await(ctx)
	if res.Err != nil {
		return entity.User{}, res.Err
	}
	p.mu.Lock()
	if p.session != nil && p.session.User.ID == usr.ID {
		p.session.User = usr
	}
	p.mu.Unlock()
	return usr, nil
}

func (p *Portal) User(ctx context.Context, id string) (entity.User, error) {
	return first(ctx, p.Users, id)
}

func (p *Portal) Course(ctx context.Context, id string) (entity.Course, error) {
	return first(ctx, p.Courses, id)
}

// first fetches the entity with id.
func first[T mirror.Entity](ctx context.Context, m *mirror.Mirror[T], id string) (T, error) {
	var zero T
	if mirror.ValidateKey(id) != nil {
		return zero, errors.Wrap(ErrNotFound, m.Collection())
	}
	res := m.FetchFiltered(ctx, "id", id).Await(ctx)
	if res.Err != nil {
		return zero, res.Err
	}
	if len(res.Value) == 0 {
		return zero, errors.Wrapf(ErrNotFound, "%s/%s", m.Collection(), id)
	}
	return res.Value[0], nil
}

// AverageRating reads every feedback of the course and returns the average rating.
// A course without feedback has an average of 0.
func (p *Portal) AverageRating(ctx context.Context, courseID string) (entity.CourseRating, error) {
	res := p.Feedback.FetchFiltered(ctx, "courseId", courseID).Await(ctx)
	if res.Err != nil {
		return entity.CourseRating{}, res.Err
	}
	return rate(courseID, res.Value), nil
}

// RecomputeRatings writes the rating of every course. It returns the number of ratings written.
func (p *Portal) RecomputeRatings(ctx context.Context) (int, error) {
	courses := p.Courses.FetchAll(ctx)
	feedback := p.Feedback.FetchAll(ctx)
	cres, fres := courses.Await(ctx), feedback.Await(ctx)
	if cres.Err != nil {
		return 0, cres.Err
	}
	if fres.Err != nil {
		return 0, fres.Err
	}

	byCourse := make(map[string][]entity.Feedback)
	for _, f := range fres.Value {
		byCourse[f.CourseID] = append(byCourse[f.CourseID], f)
	}

	writes := make([]*mirror.Future[entity.CourseRating], 0, len(cres.Value))
	for _, c := range cres.Value {
		writes = append(writes, p.Ratings.Write(ctx, rate(c.ID, byCourse[c.ID])))
	}
	var (
		n    int
		errs []string
	)
	for _, w := range writes {
		if res := w.Await(ctx); res.Err != nil {
			errs = append(errs, res.Err.Error())
		} else {
			n++
		}
	}
	if len(errs) > 0 {
		return n, errors.Errorf("writing ratings: %s", strings.Join(errs, "; "))
	}
	return n, nil
}

func rate(courseID string, feedback []entity.Feedback) entity.CourseRating {
	r := entity.CourseRating{ID: courseID, UpdatedAt: entity.NowFunc().Unix()}
	var sum int
	for _, f := range feedback {
		sum += f.Rating
		r.Count++
	}
	if r.Count > 0 {
		r.Average = float64(sum) / float64(r.Count)
	}
	return r
}

// Conversation returns the messages between users a and b, oldest first.
func (p *Portal) Conversation(ctx context.Context, a, b string) ([]entity.Message, error) {
	res := p.Messages.FetchFiltered(ctx, "chatId", entity.ChatID(a, b)).Await(ctx)
	if res.Err != nil {
		return nil, res.Err
	}
	msgs := res.Value
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// SendMessage sends text from the signed in user to the user with id to.
func (p *Portal) SendMessage(ctx context.Context, to, text string) (entity.Message, error) {
	s, err := p.Session()
	if err != nil {
		return entity.Message{}, err
	}
	res := p.Messages.Write(ctx, entity.NewMessage(s.User.ID, to, core.CleanString(text))).Await(ctx)
	return res.Value, res.Err
}

var (
	defaultDays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}

	defaultGridItems = []struct{ title, icon, route string }{
		{"Subjects", "book", "/subjects"},
		{"Assignments", "assignment", "/assignments"},
		{"Timetable", "schedule", "/timetable"},
		{"Announcements", "campaign", "/announcements"},
		{"Courses", "school", "/courses"},
		{"Messages", "chat", "/messages"},
	}
)

// Seed writes the default days and dashboard items when their collections are empty.
// It returns the number of documents written.
func (p *Portal) Seed(ctx context.Context) (int, error) {
	var n int

	days := p.Days.FetchAll(ctx).Await(ctx)
	if days.Err != nil {
		return n, days.Err
	}
	if len(days.Value) == 0 {
		for i, name := range defaultDays {
			if err := p.Days.Write(ctx, entity.NewDay(name, i+1)).Await(ctx).Err; err != nil {
				return n, err
			}
			n++
		}
	}

	items := p.GridItems.FetchAll(ctx).Await(ctx)
	if items.Err != nil {
		return n, items.Err
	}
	if len(items.Value) == 0 {
		for i, item := range defaultGridItems {
			gi := entity.NewGridItem(item.title, item.icon, item.route, i+1)
			if err := p.GridItems.Write(ctx, gi).Await(ctx).Err; err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// AttachResource uploads a resource file of the course and links it from the course.
func (p *Portal) AttachResource(ctx context.Context, courseID, filename string, r io.Reader) (entity.Course, error) {
	if p.resources == nil {
		return entity.Course{}, ErrNoResourceStore
	}
	course, err := p.Course(ctx, courseID)
	if err != nil {
		return entity.Course{}, err
	}

	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	u, err := p.resources.Put(ctx, path.Join("courses", course.ID, name), r)
	if err != nil {
		return entity.Course{}, errors.Wrap(err, "uploading resource")
	}
	course.ResourceURL = u
	res := p.Courses.Write(ctx, course).Await(ctx)
	return res.Value, res.Err
}
