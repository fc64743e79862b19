package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/events"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
	"github.com/vibast-solutions/ms-go-mailer/app/provider"
	"github.com/vibast-solutions/ms-go-mailer/app/reconcile"
	"github.com/vibast-solutions/ms-go-mailer/app/repository"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeLocker struct {
	acquireErr error
	acquired   []string
	released   []string
}

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) error {
	if l.acquireErr != nil {
		return l.acquireErr
	}
	l.acquired = append(l.acquired, key)
	return nil
}

func (l *fakeLocker) Release(_ context.Context, key string) error {
	l.released = append(l.released, key)
	return nil
}

type fakePreparer struct {
	err error
}

func (p fakePreparer) Prepare(_ context.Context, msg *entity.Message) (*preparer.OutboundMessage, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &preparer.OutboundMessage{ID: msg.ID, Subject: msg.Subject}, nil
}

type fakeProvider struct {
	outcome provider.SendOutcome
	err     error
	calls   int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(_ context.Context, _ *preparer.OutboundMessage) (provider.SendOutcome, error) {
	p.calls++
	return p.outcome, p.err
}

type fakeScheduler struct {
	ids []string
	at  []time.Time
}

func (s *fakeScheduler) Schedule(_ context.Context, id string, at time.Time) error {
	s.ids = append(s.ids, id)
	s.at = append(s.at, at)
	return nil
}

type recordingPublisher struct {
	events []events.StatusEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event events.StatusEvent) error {
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fakeMetrics struct {
	sends   int
	signals int
	invalid int
}

func (m *fakeMetrics) RecordSend(context.Context, string, string, string, time.Duration) { m.sends++ }
func (m *fakeMetrics) RecordSignal(context.Context, string, string)                       { m.signals++ }
func (m *fakeMetrics) RecordInvalidTransition(context.Context, string, string, string)    { m.invalid++ }

type harness struct {
	svc       *MessageService
	mock      sqlmock.Sqlmock
	locker    *fakeLocker
	provider  *fakeProvider
	scheduler *fakeScheduler
	events    *recordingPublisher
	metrics   *fakeMetrics
	logs      *test.Hook
}

func newHarness(t *testing.T, prep preparer.EmailPreparer, prov *fakeProvider) *harness {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		_ = db.Close()
	})

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		mock:      mock,
		locker:    &fakeLocker{},
		provider:  prov,
		scheduler: &fakeScheduler{},
		events:    &recordingPublisher{},
		metrics:   &fakeMetrics{},
		logs:      hook,
	}
	h.svc = NewMessageService(Dependencies{
		Preparer:  prep,
		Provider:  prov,
		Messages:  repository.NewMessageRepository(db),
		Locker:    h.locker,
		Scheduler: h.scheduler,
		Events:    h.events,
		Metrics:   h.metrics,
		Retry:     RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Minute, MaxBackoff: time.Hour},
		Logger:    logger,
	})
	h.svc.now = func() time.Time { return fixedNow }
	return h
}

var messageColumns = []string{
	"seq", "id", "sender", "subject", "body_type", "body", "envelope", "status", "status_reason",
	"provider_message_id", "attempts", "sent_at", "created_at", "updated_at",
}

func (h *harness) expectLoad(id string, status entity.MessageStatus, attempts int, providerID driver.Value) {
	h.mock.ExpectQuery("SELECT (.+) FROM messages WHERE id = ?").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(messageColumns).AddRow(
			int64(1), id, "sender@example.com", "Hello", entity.BodyTypeHTML, "<p>Hi</p>",
			[]byte(`{"to":[{"address":"user@example.com"}]}`), string(status), "",
			providerID, attempts, nil, fixedNow, fixedNow,
		))
}

func (h *harness) expectUpdate(id string, from, to entity.MessageStatus, reason string, providerID string, attempts int) {
	h.mock.ExpectExec("UPDATE messages").
		WithArgs(string(to), reason, providerID, attempts, sqlmock.AnyArg(), fixedNow, id, string(from)).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestCreateMessageAssignsID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.mock.ExpectExec("INSERT INTO messages").WillReturnResult(sqlmock.NewResult(1, 1))

	msg, err := h.svc.CreateMessage(context.Background(), CreateMessageInput{Sender: "sender@example.com", Subject: "Hello"})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.ID == "" || msg.Status != entity.StatusQueued || !msg.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestCreateMessageDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.mock.ExpectExec("INSERT INTO messages").WillReturnError(&mysql.MySQLError{Number: 1062})

	_, err := h.svc.CreateMessage(context.Background(), CreateMessageInput{ID: "msg-1"})
	if !errors.Is(err, ErrDuplicateMessageID) {
		t.Fatalf("expected ErrDuplicateMessageID, got %v", err)
	}
}

func TestDeliverAccepted(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{outcome: provider.SendOutcome{
		Status: entity.StatusSent, Reason: provider.ReasonGraphAccepted, ProviderMessageID: "req-1",
	}}
	h := newHarness(t, fakePreparer{}, prov)
	h.expectLoad("msg-1", entity.StatusQueued, 0, nil)
	h.expectUpdate("msg-1", entity.StatusQueued, entity.StatusSent, provider.ReasonGraphAccepted, "req-1", 1)

	result, err := h.svc.Deliver(WithRequestID(context.Background(), "stream-1"), "msg-1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.Status != entity.StatusSent || result.RetryAt != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(h.locker.acquired) != 1 || h.locker.acquired[0] != "notifications:email:msg-1" || len(h.locker.released) != 1 {
		t.Fatalf("expected lock acquire/release, got acquired=%v released=%v", h.locker.acquired, h.locker.released)
	}
	if len(h.events.events) != 1 || h.events.events[0].Source != events.SourceSend || h.events.events[0].To != entity.StatusSent {
		t.Fatalf("unexpected events %+v", h.events.events)
	}
	if h.metrics.sends != 1 {
		t.Fatalf("expected one send metric, got %d", h.metrics.sends)
	}
	if entry := h.logs.LastEntry(); entry == nil || entry.Data["request_id"] != "stream-1" {
		t.Fatalf("expected request_id in log fields, got %+v", entry)
	}
}

func TestDeliverRateLimitedSchedulesRetry(t *testing.T) {
	t.Parallel()

	retryAfter := 30
	prov := &fakeProvider{outcome: provider.SendOutcome{
		Status: entity.StatusRetryPending, Reason: provider.ReasonGraphRateLimited, RetryAfterSeconds: &retryAfter,
	}}
	h := newHarness(t, fakePreparer{}, prov)
	h.expectLoad("msg-1", entity.StatusQueued, 0, nil)
	h.expectUpdate("msg-1", entity.StatusQueued, entity.StatusRetryPending, provider.ReasonGraphRateLimited, "", 1)

	result, err := h.svc.Deliver(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := fixedNow.Add(30 * time.Second)
	if result.RetryAt == nil || !result.RetryAt.Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, result.RetryAt)
	}
	if len(h.scheduler.ids) != 1 || !h.scheduler.at[0].Equal(want) {
		t.Fatalf("unexpected schedule %v %v", h.scheduler.ids, h.scheduler.at)
	}
}

func TestDeliverRepeatedRetryPendingIsAllowed(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{outcome: provider.SendOutcome{Status: entity.StatusRetryPending, Reason: provider.ReasonGraphProvider5xx}}
	h := newHarness(t, fakePreparer{}, prov)
	h.expectLoad("msg-1", entity.StatusRetryPending, 2, nil)
	h.expectUpdate("msg-1", entity.StatusRetryPending, entity.StatusRetryPending, provider.ReasonGraphProvider5xx, "", 3)

	result, err := h.svc.Deliver(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	want := fixedNow.Add(4 * time.Minute)
	if result.RetryAt == nil || !result.RetryAt.Equal(want) {
		t.Fatalf("expected backoff retry at %v, got %v", want, result.RetryAt)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{outcome: provider.SendOutcome{Status: entity.StatusRetryPending, Reason: provider.ReasonGraphTimeout}}
	h := newHarness(t, fakePreparer{}, prov)
	h.expectLoad("msg-1", entity.StatusRetryPending, 4, nil)
	h.expectUpdate("msg-1", entity.StatusRetryPending, entity.StatusFailed, ReasonRetryExhausted, "", 5)

	result, err := h.svc.Deliver(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.Status != entity.StatusFailed || result.Reason != ReasonRetryExhausted || result.RetryAt != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(h.scheduler.ids) != 0 {
		t.Fatalf("exhausted message must not be rescheduled")
	}
}

// deadlineProvider waits out the caller's deadline the way a stalled
// sendMail request does.
type deadlineProvider struct{}

func (deadlineProvider) Name() string { return "deadline" }

func (deadlineProvider) Send(ctx context.Context, _ *preparer.OutboundMessage) (provider.SendOutcome, error) {
	<-ctx.Done()
	return provider.ClassifyGraphTransportError(ctx.Err()), nil
}

func TestDeliverRecordsOutcomeAfterDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.svc.provider = deadlineProvider{}
	h.expectLoad("msg-1", entity.StatusQueued, 0, nil)
	h.expectUpdate("msg-1", entity.StatusQueued, entity.StatusRetryPending, provider.ReasonGraphTimeout, "", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := h.svc.Deliver(ctx, "msg-1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.Status != entity.StatusRetryPending || result.Reason != provider.ReasonGraphTimeout {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(h.scheduler.ids) != 1 || len(h.events.events) != 1 {
		t.Fatalf("expected retry scheduled and event published, got %v / %d", h.scheduler.ids, len(h.events.events))
	}
}

func TestDeliverCredentialFailureKeepsStatus(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{err: errors.Join(provider.ErrCredentialAcquisition, errors.New("401"))}
	h := newHarness(t, fakePreparer{}, prov)
	h.expectLoad("msg-1", entity.StatusQueued, 0, nil)

	_, err := h.svc.Deliver(context.Background(), "msg-1")
	if !errors.Is(err, provider.ErrCredentialAcquisition) {
		t.Fatalf("expected ErrCredentialAcquisition, got %v", err)
	}
	if len(h.events.events) != 0 || len(h.locker.released) != 1 {
		t.Fatalf("expected no event and a released lock")
	}
}

func TestDeliverInvalidMessageFails(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	h := newHarness(t, fakePreparer{err: preparer.ErrInvalidMessage}, prov)
	h.expectLoad("msg-1", entity.StatusQueued, 0, nil)
	h.expectUpdate("msg-1", entity.StatusQueued, entity.StatusFailed, ReasonMessageInvalid, "", 0)

	result, err := h.svc.Deliver(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.Status != entity.StatusFailed || prov.calls != 0 {
		t.Fatalf("unexpected result %+v after %d provider calls", result, prov.calls)
	}
}

func TestDeliverSkipsNonRetryable(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	h := newHarness(t, fakePreparer{}, prov)
	h.expectLoad("msg-1", entity.StatusCancelled, 0, nil)

	if _, err := h.svc.Deliver(context.Background(), "msg-1"); !errors.Is(err, ErrNotDeliverable) {
		t.Fatalf("expected ErrNotDeliverable, got %v", err)
	}
	if prov.calls != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestApplyProviderSignalByProviderID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.mock.ExpectQuery("SELECT (.+) FROM messages WHERE provider_message_id = ?").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(messageColumns).AddRow(
			int64(1), "msg-1", "sender@example.com", "Hello", entity.BodyTypeHTML, "", []byte(`{}`),
			"SENT", "", "req-1", 1, fixedNow, fixedNow, fixedNow,
		))
	h.expectLoad("msg-1", entity.StatusSent, 1, "req-1")
	h.expectUpdate("msg-1", entity.StatusSent, entity.StatusDelivered, reconcile.ReasonProviderUpdate, "", 1)

	msg, err := h.svc.ApplyProviderSignal(context.Background(), MessageRef{ProviderMessageID: "req-1"}, reconcile.SignalDelivered, "")
	if err != nil {
		t.Fatalf("ApplyProviderSignal: %v", err)
	}
	if msg.Status != entity.StatusDelivered || msg.StatusReason != reconcile.ReasonProviderUpdate {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(h.events.events) != 1 || h.events.events[0].Source != events.SourceProvider || h.events.events[0].ProviderMessageID != "req-1" {
		t.Fatalf("unexpected events %+v", h.events.events)
	}
}

func TestApplyProviderSignalKeepsStoredProviderID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.expectLoad("msg-1", entity.StatusSent, 1, "req-1")
	h.expectUpdate("msg-1", entity.StatusSent, entity.StatusDelivered, reconcile.ReasonProviderUpdate, "", 1)

	ref := MessageRef{MessageID: "msg-1", ProviderMessageID: "req-other"}
	msg, err := h.svc.ApplyProviderSignal(context.Background(), ref, reconcile.SignalDelivered, "")
	if err != nil {
		t.Fatalf("ApplyProviderSignal: %v", err)
	}
	if msg.ProviderMessageID != "req-1" {
		t.Fatalf("stored provider id replaced with %q", msg.ProviderMessageID)
	}
	if h.events.events[0].ProviderMessageID != "req-1" {
		t.Fatalf("event carries provider id %q", h.events.events[0].ProviderMessageID)
	}
}

func TestApplyProviderSignalFillsMissingProviderID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.expectLoad("msg-1", entity.StatusSent, 1, nil)
	h.expectUpdate("msg-1", entity.StatusSent, entity.StatusDelivered, reconcile.ReasonProviderUpdate, "req-9", 1)

	ref := MessageRef{MessageID: "msg-1", ProviderMessageID: "req-9"}
	msg, err := h.svc.ApplyProviderSignal(context.Background(), ref, reconcile.SignalDelivered, "")
	if err != nil {
		t.Fatalf("ApplyProviderSignal: %v", err)
	}
	if msg.ProviderMessageID != "req-9" {
		t.Fatalf("expected provider id req-9, got %q", msg.ProviderMessageID)
	}
}

func TestApplyProviderSignalBounceUsesErrorCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.expectLoad("msg-1", entity.StatusSent, 1, "req-1")
	h.expectUpdate("msg-1", entity.StatusSent, entity.StatusBounced, "MAILBOX_FULL", "", 1)

	msg, err := h.svc.ApplyProviderSignal(context.Background(), MessageRef{MessageID: "msg-1"}, reconcile.SignalBounced, "MAILBOX_FULL")
	if err != nil {
		t.Fatalf("ApplyProviderSignal: %v", err)
	}
	if msg.Status != entity.StatusBounced || msg.StatusReason != "MAILBOX_FULL" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestApplyProviderSignalRejectsInvalidTransition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.expectLoad("msg-1", entity.StatusDelivered, 1, "req-1")

	_, err := h.svc.ApplyProviderSignal(context.Background(), MessageRef{MessageID: "msg-1"}, reconcile.SignalTemporaryFailure, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var invalid *reconcile.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != entity.StatusDelivered || invalid.To != entity.StatusRetryPending {
		t.Fatalf("unexpected error detail %v", err)
	}
	if h.metrics.invalid != 1 || len(h.events.events) != 0 {
		t.Fatalf("expected invalid transition metric and no event")
	}
	entry := h.logs.LastEntry()
	if entry == nil || entry.Data["reason"] != reconcile.ReasonTemporaryProviderFailure {
		t.Fatalf("expected characterization in log, got %+v", entry)
	}
}

func TestApplyProviderSignalSameStatusIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.expectLoad("msg-1", entity.StatusDelivered, 1, "req-1")

	msg, err := h.svc.ApplyProviderSignal(context.Background(), MessageRef{MessageID: "msg-1"}, reconcile.SignalDelivered, "")
	if err != nil {
		t.Fatalf("ApplyProviderSignal: %v", err)
	}
	if msg.Status != entity.StatusDelivered || len(h.events.events) != 0 {
		t.Fatalf("expected unchanged message without events")
	}
}

func TestApplyProviderSignalUnknownMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.mock.ExpectQuery("SELECT (.+) FROM messages WHERE provider_message_id = ?").
		WithArgs("req-404").
		WillReturnRows(sqlmock.NewRows(messageColumns))

	_, err := h.svc.ApplyProviderSignal(context.Background(), MessageRef{ProviderMessageID: "req-404"}, reconcile.SignalDelivered, "")
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestCancelMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.expectLoad("msg-1", entity.StatusQueued, 0, nil)
	h.expectUpdate("msg-1", entity.StatusQueued, entity.StatusCancelled, ReasonCancelledByUser, "", 0)

	msg, err := h.svc.CancelMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("CancelMessage: %v", err)
	}
	if msg.Status != entity.StatusCancelled || h.events.events[0].Source != events.SourceAPI {
		t.Fatalf("unexpected cancel result %+v", msg)
	}
}

func TestCancelMessageAfterSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.expectLoad("msg-1", entity.StatusSent, 1, "req-1")

	if _, err := h.svc.CancelMessage(context.Background(), "msg-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestListMessagesClampsLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fakePreparer{}, &fakeProvider{})
	h.mock.ExpectQuery("SELECT (.+) FROM messages ORDER BY seq DESC LIMIT \\?").
		WithArgs(maxListLimit + 1).
		WillReturnRows(sqlmock.NewRows(messageColumns))

	page, err := h.svc.ListMessages(context.Background(), ListQuery{Limit: 1000})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Messages) != 0 || page.NextCursor != 0 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Minute, MaxBackoff: 5 * time.Minute}
	tests := []struct {
		attempts   int
		retryAfter *int
		want       time.Duration
	}{
		{1, nil, time.Minute},
		{2, nil, 2 * time.Minute},
		{3, nil, 4 * time.Minute},
		{4, nil, 5 * time.Minute},
		{9, nil, 5 * time.Minute},
	}
	zero := 0
	tests = append(tests, struct {
		attempts   int
		retryAfter *int
		want       time.Duration
	}{3, &zero, 0})

	for _, tc := range tests {
		if got := policy.Delay(tc.attempts, tc.retryAfter); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
	if policy.Exhausted(4) || !policy.Exhausted(5) {
		t.Fatalf("unexpected exhaustion boundary")
	}
}
