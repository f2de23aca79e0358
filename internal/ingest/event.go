package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConsentDenied marks an event dropped because the subject has not
// consented. The caller drops the event; open windows for the subject
// are discarded.
var ErrConsentDenied = errors.New("subject consent denied")

// ErrMalformedEvent marks an event that failed validation. The caller
// logs and skips it; the stream continues.
var ErrMalformedEvent = errors.New("malformed event")

// CommEvent is one communication event at the transport boundary.
// TransientText is consumed synchronously during Ingest and never
// stored, logged, or forwarded.
type CommEvent struct {
	SubjectID     string    `json:"subject_id"`
	OrgID         string    `json:"org_id"`
	Channel       string    `json:"channel"`
	Timestamp     time.Time `json:"timestamp"`
	TransientText string    `json:"text"`
}

func (e CommEvent) validate() error {
	if strings.TrimSpace(e.SubjectID) == "" {
		return fmt.Errorf("%w: missing subject_id", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.OrgID) == "" {
		return fmt.Errorf("%w: missing org_id", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.Channel) == "" {
		return fmt.Errorf("%w: missing channel", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return nil
}

// PeriodStart maps a timestamp onto its tumbling window start (UTC).
func PeriodStart(ts time.Time, periodDays int) time.Time {
	span := int64(periodDays) * 86400
	sec := ts.UTC().Unix()
	return time.Unix(sec-(sec%span), 0).UTC()
}

// PeriodEnd returns the exclusive end of the window starting at start.
func PeriodEnd(start time.Time, periodDays int) time.Time {
	return start.Add(time.Duration(periodDays) * 24 * time.Hour)
}
