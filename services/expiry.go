package services

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ExpiryChecker scans the upstream's credential files and warns their
// owners shortly before expiry.
type ExpiryChecker struct {
	client   *ManagementClient
	notifier *NotifierClient
	warning  time.Duration
	log      *logrus.Entry

	// notified tracks which file paths were already warned about for
	// their current expiry, so a 30-minute cadence does not spam users.
	notified map[string]string
}

func NewExpiryChecker(client *ManagementClient, notifier *NotifierClient, warning time.Duration) *ExpiryChecker {
	return &ExpiryChecker{
		client:   client,
		notifier: notifier,
		warning:  warning,
		log:      logrus.WithField("component", "expiry-check"),
		notified: make(map[string]string),
	}
}

// Check returns how many expiry warnings were sent this run.
func (e *ExpiryChecker) Check(ctx context.Context) (int, error) {
	files, err := e.client.ListAuthFiles(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	now := time.Now().UTC()
	for _, f := range files {
		if !strings.HasSuffix(f.Name, ".json") {
			continue
		}

		detail, err := e.client.AuthFileDetail(ctx, f.Path)
		if err != nil {
			e.log.WithError(err).WithField("file", f.Name).Warn("Could not read auth file detail")
			continue
		}
		if detail.Expired || detail.ExpiresAt == "" {
			continue
		}

		expiresAt, err := time.Parse(time.RFC3339, detail.ExpiresAt)
		if err != nil {
			e.log.WithField("file", f.Name).Warn("Unparseable expiry timestamp")
			continue
		}

		left := expiresAt.Sub(now)
		if left <= 0 || left > e.warning {
			continue
		}
		if e.notified[f.Path] == detail.ExpiresAt {
			continue
		}

		email := strings.TrimSuffix(f.Name, ".json")
		if !strings.Contains(email, "@") {
			continue
		}

		err = e.notifier.Notify(ctx, email,
			"Credential expiring soon",
			"Your upstream credential expires in "+left.Round(time.Minute).String()+". Please re-authenticate.")
		if err != nil {
			e.log.WithError(err).WithField("receiver", email).Warn("Expiry notification failed")
			continue
		}
		e.notified[f.Path] = detail.ExpiresAt
		sent++
	}
	return sent, nil
}
