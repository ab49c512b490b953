package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"parcel/internal/logging"
)

// Noop accepts every message without sending it. It backs dry-run mode.
type Noop struct {
	logger *slog.Logger
}

// NewNoop returns a client that only logs what it would send.
func NewNoop(logger *slog.Logger) *Noop {
	return &Noop{logger: logging.NewComponentLogger(logger, "dispatch")}
}

// Send implements Client.
func (n *Noop) Send(ctx context.Context, attachments []Attachment, subject string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &DispatchError{Subject: subject, Attachments: attachmentNames(attachments), Err: err}
	}
	receipt := Receipt{MessageID: "dry-run-" + uuid.NewString(), SentAt: time.Now()}
	logging.WithContext(ctx, n.logger).Info("dry run: message not sent",
		logging.String("subject", subject),
		logging.Any("attachments", attachmentNames(attachments)),
		logging.String(logging.FieldEventType, "dispatch_dry_run"),
	)
	return receipt, nil
}

// Call is one message captured by a Recorder.
type Call struct {
	Subject     string
	Attachments []Attachment
	At          time.Time
}

// Recorder captures messages in memory. Fail, when set, decides per call
// whether the send fails; the call is recorded either way.
type Recorder struct {
	Fail func(call int, attachments []Attachment) error

	mu    sync.Mutex
	calls []Call
}

// Send implements Client.
func (r *Recorder) Send(_ context.Context, attachments []Attachment, subject string) (Receipt, error) {
	r.mu.Lock()
	index := len(r.calls)
	r.calls = append(r.calls, Call{Subject: subject, Attachments: append([]Attachment(nil), attachments...), At: time.Now()})
	fail := r.Fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(index, attachments); err != nil {
			return Receipt{}, &DispatchError{Subject: subject, Attachments: attachmentNames(attachments), Err: err}
		}
	}
	return Receipt{MessageID: uuid.NewString(), SentAt: time.Now()}, nil
}

// Calls returns a copy of the recorded messages in send order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}
