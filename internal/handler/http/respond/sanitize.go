package respond

import (
	"regexp"
)

var (
	// user:password@ inside postgres://, redis:// and amqp:// URLs.
	// Redis URLs may omit the user.
	urlPasswordPattern = regexp.MustCompile(`://([^:/@\s]*):([^@/\s]+)@`)

	slackWebhookPattern = regexp.MustCompile(`hooks\.slack\.com/services/[A-Za-z0-9/_-]+`)
)

// SanitizeError returns the error message with credentials masked.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	msg = urlPasswordPattern.ReplaceAllString(msg, "://$1:****@")
	msg = slackWebhookPattern.ReplaceAllString(msg, "hooks.slack.com/services/****")
	return msg
}
