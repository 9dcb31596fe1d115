package entity

import (
	"regexp"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/portal/core"
)

var (
	clockTag   = "clock"
	clockText  = "{0} must be a time of day such as 09:30"
	clockRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

	dateTag  = "date"
	dateText = "{0} must be a date such as 2021-01-31"
)

// InitValidators registers the entity validation rules.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(clockTag, clockValidation)
	core.RegisterCustomTranslation(validate, translator, clockTag, clockText)

	_ = validate.RegisterValidation(dateTag, dateValidation)
	core.RegisterCustomTranslation(validate, translator, dateTag, dateText)

	validate.RegisterStructValidation(timetableStructValidation, Timetable{})
}

// clockValidation accepts 24h HH:MM times.
func clockValidation(fl validator.FieldLevel) bool {
	return clockRegex.MatchString(fl.Field().String())
}

func dateValidation(fl validator.FieldLevel) bool {
	_, err := time.Parse(DateLayout, fl.Field().String())
	return err == nil
}

// timetableStructValidation checks that an entry ends after it starts.
func timetableStructValidation(sl validator.StructLevel) {
	tt := sl.Current().Interface().(Timetable)
	if !clockRegex.MatchString(tt.StartTime) || !clockRegex.MatchString(tt.EndTime) {
		return
	}
	// HH:MM strings compare chronologically
	if tt.EndTime <= tt.StartTime {
		sl.ReportError(tt.EndTime, "endTime", "EndTime", "gtfield", "startTime")
	}
}
