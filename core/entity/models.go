package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	NowFunc = time.Now // mockable
	NewID   = func() string { return uuid.New().String() }
)

// DateLayout is the layout of the date fields of the entities.
const DateLayout = "2006-01-02"

// Collection names
const (
	UsersCollection         = "users"
	SubjectsCollection      = "subjects"
	AssignmentsCollection   = "assignments"
	AnnouncementsCollection = "announcements"
	TimetableCollection     = "timetable"
	DaysCollection          = "days"
	CoursesCollection       = "courses"
	FeedbackCollection      = "feedback"
	MessagesCollection      = "messages"
	GridItemsCollection     = "grid_items"
	AttendanceCollection    = "attendance"
	RatingsCollection       = "course_ratings"
)

// Collections lists the collections exposed on the public document API.
var Collections = []string{
	UsersCollection,
	SubjectsCollection,
	AssignmentsCollection,
	AnnouncementsCollection,
	TimetableCollection,
	DaysCollection,
	CoursesCollection,
	FeedbackCollection,
	MessagesCollection,
	GridItemsCollection,
	AttendanceCollection,
	RatingsCollection,
}

// Roles
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

func today() string {
	return NowFunc().Format(DateLayout)
}

type User struct {
	ID              string `json:"id"`
	Name            string `json:"name" validate:"required,notblank"`
	Email           string `json:"email" validate:"omitempty,email"`
	Role            string `json:"role" validate:"oneof=student teacher admin"`
	Phone           string `json:"phone,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	Bio             string `json:"bio,omitempty"`
}

func NewUser(name, email string) User {
	return User{
		ID:    NewID(),
		Name:  name,
		Email: strings.ToLower(email),
		Role:  RoleStudent,
	}
}

func (u User) Key() string { return u.ID }

func (u User) IsTeacher() bool { return u.Role == RoleTeacher || u.Role == RoleAdmin }

func (u User) LogPerson() (string, string, string) { return u.ID, u.Name, u.Email }

// Subject is a school subject ("Subjects" in the mobile app).
type Subject struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required,notblank"`
	Description string `json:"description"`
	Teacher     string `json:"teacher,omitempty"`
}

func NewSubject(name, description string) Subject {
	return Subject{ID: NewID(), Name: name, Description: description}
}

func (s Subject) Key() string { return s.ID }

type Assignment struct {
	ID          string `json:"id"`
	SubjectID   string `json:"subjectId" validate:"required"`
	Title       string `json:"title" validate:"required,notblank"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate" validate:"omitempty,date"`
	Completed   bool   `json:"completed"`
}

func NewAssignment(subjectID, title, description string) Assignment {
	return Assignment{
		ID:          NewID(),
		SubjectID:   subjectID,
		Title:       title,
		Description: description,
		DueDate:     NowFunc().AddDate(0, 0, 7).Format(DateLayout),
	}
}

func (a Assignment) Key() string { return a.ID }

type Announcement struct {
	ID          string `json:"id"`
	Title       string `json:"title" validate:"required,notblank"`
	Description string `json:"description"`
	Date        string `json:"date" validate:"omitempty,date"`
	Author      string `json:"author,omitempty"`
}

func NewAnnouncement(title, description string) Announcement {
	return Announcement{
		ID:          NewID(),
		Title:       title,
		Description: description,
		Date:        today(),
	}
}

func (a Announcement) Key() string { return a.ID }

// Timetable is a single timetable entry of a Day.
type Timetable struct {
	ID        string `json:"id"`
	DayID     string `json:"dayId" validate:"required"`
	Subject   string `json:"subject" validate:"required,notblank"`
	StartTime string `json:"startTime" validate:"required,clock"`
	EndTime   string `json:"endTime" validate:"required,clock"`
	Room      string `json:"room,omitempty"`
	Teacher   string `json:"teacher,omitempty"`
}

func NewTimetable(dayID, subject, start, end string) Timetable {
	return Timetable{
		ID:        NewID(),
		DayID:     dayID,
		Subject:   subject,
		StartTime: start,
		EndTime:   end,
	}
}

func (t Timetable) Key() string { return t.ID }

type Day struct {
	ID    string `json:"id"`
	Name  string `json:"name" validate:"required,notblank"`
	Order int    `json:"order"`
}

func NewDay(name string, order int) Day {
	return Day{ID: NewID(), Name: name, Order: order}
}

func (d Day) Key() string { return d.ID }

type Course struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required,notblank"`
	Description string `json:"description"`
	Instructor  string `json:"instructor,omitempty"`
	ResourceURL string `json:"resourceUrl,omitempty" validate:"omitempty,url"`
}

func NewCourse(name, description string) Course {
	return Course{ID: NewID(), Name: name, Description: description}
}

func (c Course) Key() string { return c.ID }

type Feedback struct {
	ID       string `json:"id"`
	CourseID string `json:"courseId" validate:"required"`
	UserID   string `json:"userId"`
	Rating   int    `json:"rating" validate:"min=1,max=5"`
	Comment  string `json:"comment"`
	Date     string `json:"date" validate:"omitempty,date"`
}

func NewFeedback(courseID, userID string, rating int, comment string) Feedback {
	return Feedback{
		ID:       NewID(),
		CourseID: courseID,
		UserID:   userID,
		Rating:   rating,
		Comment:  comment,
		Date:     today(),
	}
}

func (f Feedback) Key() string { return f.ID }

type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId" validate:"required"`
	SenderID   string `json:"senderId" validate:"required"`
	ReceiverID string `json:"receiverId" validate:"required"`
	Text       string `json:"text" validate:"required,notblank"`
	Timestamp  int64  `json:"timestamp"` // unix millis
}

func NewMessage(senderID, receiverID, text string) Message {
	return Message{
		ID:         NewID(),
		ChatID:     ChatID(senderID, receiverID),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Timestamp:  NowFunc().UnixNano() / int64(time.Millisecond),
	}
}

func (m Message) Key() string { return m.ID }

// ChatID is the conversation key of two users, independent of the argument order.
func ChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// GridItem is a dashboard tile.
type GridItem struct {
	ID    string `json:"id"`
	Title string `json:"title" validate:"required,notblank"`
	Icon  string `json:"icon"`
	Route string `json:"route"`
	Order int    `json:"order"`
}

func NewGridItem(title, icon, route string, order int) GridItem {
	return GridItem{ID: NewID(), Title: title, Icon: icon, Route: route, Order: order}
}

func (g GridItem) Key() string { return g.ID }

// Attendance is a sign-in record of a user to a course on a given date.
type Attendance struct {
	ID         string `json:"id"`
	CourseID   string `json:"courseId" validate:"required"`
	UserID     string `json:"userId" validate:"required"`
	Name       string `json:"name"`
	Date       string `json:"date" validate:"required,date"`
	Present    bool   `json:"present"`
	SignedInAt int64  `json:"signedInAt"` // unix seconds
}

func NewAttendance(courseID string, usr User) Attendance {
	now := NowFunc()
	return Attendance{
		ID:         NewID(),
		CourseID:   courseID,
		UserID:     usr.ID,
		Name:       usr.Name,
		Date:       now.Format(DateLayout),
		Present:    true,
		SignedInAt: now.Unix(),
	}
}

func (a Attendance) Key() string { return a.ID }

// CourseRating is the aggregate of the Feedback of a course. Its ID is the course ID.
type CourseRating struct {
	ID        string  `json:"id"`
	Average   float64 `json:"average"`
	Count     int     `json:"count"`
	UpdatedAt int64   `json:"updatedAt"` // unix seconds
}

func (r CourseRating) Key() string { return r.ID }
