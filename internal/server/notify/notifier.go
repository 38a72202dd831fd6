// Package notify is the client for the notification/email collaborator.
// It is invoked by the API layer once a report is confirmed complete; the
// workflow itself never sends mail.
package notify

import "context"

type Notifier interface {
	Send(ctx context.Context, address, subject, htmlBody, textBody string) error
}
