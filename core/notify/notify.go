// Package notify defines the fire-and-forget notifications raised on some confirmed writes.
package notify

// Topics
const (
	TopicTimetable     = "timetable"
	TopicAnnouncements = "announcements"
	TopicAttendance    = "attendance"
)

type Notification struct {
	Topic string `json:"topic"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Notifier delivers notifications. Notify never blocks on delivery and reports nothing back.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to a Notifier.
type Func func(n Notification)

func (f Func) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) {})
