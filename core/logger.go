package core

// Logger is implemented by the logging services.
// args may carry errors, maps of extra data and a person (anything implementing Person).
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Person identifies the user a log entry relates to.
type Person interface {
	LogPerson() (id, username, email string)
}
