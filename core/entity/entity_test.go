package entity

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/portal/core"
)

func newValidate() *validator.Validate {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	InitValidators(validate, translator)
	return validate
}

func TestConstructorsDefaults(t *testing.T) {
	NowFunc = func() time.Time { return time.Date(2021, time.March, 5, 10, 0, 0, 0, time.UTC) }
	defer func() { NowFunc = time.Now }()

	ann := NewAnnouncement("Exam", "Midterm on Friday")
	assert.NotEmpty(t, ann.ID)
	assert.Equal(t, "2021-03-05", ann.Date)

	asg := NewAssignment("math", "Algebra", "")
	assert.Equal(t, "2021-03-12", asg.DueDate)
	assert.False(t, asg.Completed)

	usr := NewUser("Hero", "Hero@Test.CD")
	assert.Equal(t, RoleStudent, usr.Role)
	assert.Equal(t, "hero@test.cd", usr.Email)

	msg := NewMessage("b", "a", "hi")
	assert.Equal(t, "a_b", msg.ChatID)
	assert.Equal(t, int64(1614938400000), msg.Timestamp)

	att := NewAttendance("c1", usr)
	assert.Equal(t, usr.ID, att.UserID)
	assert.True(t, att.Present)

	assert.NotEqual(t, NewSubject("Math", "").ID, NewSubject("Math", "").ID)
}

func TestChatID(t *testing.T) {
	assert.Equal(t, ChatID("u1", "u2"), ChatID("u2", "u1"))
	assert.NotEqual(t, ChatID("u1", "u2"), ChatID("u1", "u3"))
}

func TestValidation(t *testing.T) {
	validate := newValidate()

	tests := []struct {
		name       string
		obj        interface{}
		wantFields []string
	}{
		{name: "valid announcement", obj: Announcement{ID: "a1", Title: "Exam"}},
		{name: "blank title", obj: Announcement{ID: "a1", Title: "   "}, wantFields: []string{"title"}},
		{name: "bad date", obj: Announcement{ID: "a1", Title: "Exam", Date: "05/03/2021"}, wantFields: []string{"date"}},
		{name: "assignment without subject", obj: Assignment{ID: "x", Title: "Algebra"}, wantFields: []string{"subjectId"}},
		{name: "valid timetable", obj: Timetable{ID: "t", DayID: "d", Subject: "Math", StartTime: "08:00", EndTime: "09:30"}},
		{name: "timetable bad clock", obj: Timetable{ID: "t", DayID: "d", Subject: "Math", StartTime: "8h", EndTime: "09:30"}, wantFields: []string{"startTime"}},
		{name: "timetable ends before start", obj: Timetable{ID: "t", DayID: "d", Subject: "Math", StartTime: "10:00", EndTime: "09:30"}, wantFields: []string{"endTime"}},
		{name: "feedback rating out of range", obj: Feedback{ID: "f", CourseID: "c", Rating: 6}, wantFields: []string{"rating"}},
		{name: "user bad role", obj: User{ID: "u", Name: "U", Role: "king"}, wantFields: []string{"role"}},
		{name: "course bad url", obj: Course{ID: "c", Name: "Go", ResourceURL: "nope"}, wantFields: []string{"resourceUrl"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate.Struct(tt.obj)
			if len(tt.wantFields) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			verrs, ok := err.(validator.ValidationErrors)
			require.True(t, ok, "validate.Struct() error = %T, want validator.ValidationErrors", err)
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			assert.ElementsMatch(t, tt.wantFields, fields)
		})
	}
}
