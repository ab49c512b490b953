package dispatch

import (
	"context"
	"time"
)

// Attachment is a file handed to the transport.
type Attachment struct {
	Filename string
	Path     string
	MIMEKind string
}

// Receipt acknowledges a message accepted by the relay.
type Receipt struct {
	MessageID string
	SentAt    time.Time
}

// Client sends one message carrying the given attachments. Implementations
// do not retry.
type Client interface {
	Send(ctx context.Context, attachments []Attachment, subject string) (Receipt, error)
}

// Outcome records the result of dispatching one part.
type Outcome struct {
	PartIndex  int
	Receipt    Receipt
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// OK reports whether the part was accepted.
func (o Outcome) OK() bool { return o.Err == nil }

// Duration reports how long the send took.
func (o Outcome) Duration() time.Duration { return o.FinishedAt.Sub(o.StartedAt) }

func attachmentNames(attachments []Attachment) []string {
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, a.Filename)
	}
	return names
}
