package notifier

import (
	"net/mail"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/notify"
)

type logNotifier struct {
	logger core.Logger
}

var _ notify.Notifier = (*logNotifier)(nil) // interface compliance check

// NewLogNotifier logs the notifications at Info.
func NewLogNotifier(logger core.Logger) notify.Notifier {
	return &logNotifier{logger: logger}
}

func (n logNotifier) Notify(nt notify.Notification) {
	n.logger.Info("notification: "+nt.Title, map[string]interface{}{"topic": nt.Topic, "body": nt.Body})
}

type emailNotifier struct {
	mailSvc    core.EmailService
	recipients []mail.Address
}

var _ notify.Notifier = (*emailNotifier)(nil)

// NewEmailNotifier mails the notifications to recipients.
func NewEmailNotifier(mailSvc core.EmailService, recipients ...mail.Address) notify.Notifier {
	return &emailNotifier{mailSvc: mailSvc, recipients: recipients}
}

func (n emailNotifier) Notify(nt notify.Notification) {
	if len(n.recipients) == 0 {
		return
	}
	n.mailSvc.SendMessages(&core.EmailMessage{
		To:           n.recipients,
		Subject:      nt.Title,
		TemplateName: "notification",
		TemplateData: nt,
	})
}

type multiNotifier []notify.Notifier

// NewMultiNotifier fans the notifications out to every notifier.
func NewMultiNotifier(notifiers ...notify.Notifier) notify.Notifier {
	return multiNotifier(notifiers)
}

func (m multiNotifier) Notify(nt notify.Notification) {
	for _, n := range m {
		n.Notify(nt)
	}
}
