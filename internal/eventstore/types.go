package eventstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	pkgerrors "hookvault/pkg/errors"
)

var (
	ErrNotFound          = pkgerrors.ErrNotFound.WithMessage("webhook event not found")
	ErrAttemptInProgress = pkgerrors.NewError("ATTEMPT_IN_PROGRESS", "processing attempt already in progress", http.StatusConflict)
	ErrNotEligible       = pkgerrors.NewError("NOT_ELIGIBLE", "event is not eligible for processing", http.StatusConflict)
	ErrStaleAttempt      = pkgerrors.NewError("STALE_ATTEMPT", "attempt token superseded", http.StatusConflict)
	ErrStoreUnavailable  = pkgerrors.ErrServiceUnavailable.WithMessage("event store unavailable")
)

type Result string

const (
	ResultPending Result = "pending"
	ResultOK      Result = "ok"
	ResultError   Result = "error"
)

func ParseResult(s string) (Result, bool) {
	switch r := Result(s); r {
	case ResultPending, ResultOK, ResultError:
		return r, true
	}
	return "", false
}

type Trace struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Message   string    `json:"message" bson:"message"`
}

// WebhookEvent is the stored record of one logical provider event.
type WebhookEvent struct {
	ID                string
	Provider          string
	EventID           string
	EventType         string
	ReceivedAt        time.Time
	SignatureVerified bool
	Payload           []byte
	PayloadHash       string
	Result            Result
	ProcessedAt       *time.Time
	Attempts          int
	IdempotencyKeys   []string
	Traces            []Trace

	Retryable        bool
	GivenUp          bool
	LastError        string
	LastTransitionAt time.Time
	LeaseToken       string
	LeaseUntil       *time.Time
}

type NewEvent struct {
	Provider          string
	EventID           string
	EventType         string
	Payload           []byte
	PayloadHash       string
	SignatureVerified bool
	IdempotencyKeys   []string
}

type InsertResult struct {
	Event   *WebhookEvent
	Created bool
}

// AttemptToken identifies one processing attempt. Lease is the per-event lock value;
// a result carrying a lease that is no longer current is rejected.
type AttemptToken struct {
	EventID string
	Attempt int
	Lease   string
}

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

type AttemptResult struct {
	Outcome Outcome
	// Reason is the failure reason, or an annotation on a successful attempt.
	Reason string
	GiveUp bool
}

type Filter struct {
	Status Result
	Q      string
	From   *time.Time
	To     *time.Time
}

type Page struct {
	Items []WebhookEvent
	Total int
}

// pageOffset returns the first row of page among total rows, or false when the
// page is empty. It never computes page*size past total, so huge pages cannot overflow.
func pageOffset(total, page, size int) (int, bool) {
	if size <= 0 || page < 0 || total == 0 || page > (total-1)/size {
		return 0, false
	}
	return page * size, true
}

// DueQuery selects events whose backoff min(BaseBackoff*2^attempts, MaxBackoff) has elapsed.
type DueQuery struct {
	Now         time.Time
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Limit       int
}

type Store interface {
	InsertIfAbsent(ctx context.Context, ev NewEvent) (InsertResult, error)
	RecordAttemptStart(ctx context.Context, id string, lease time.Duration) (AttemptToken, error)
	RecordAttemptResult(ctx context.Context, token AttemptToken, result AttemptResult) error
	Get(ctx context.Context, id string) (*WebhookEvent, error)
	List(ctx context.Context, filter Filter, page, size int) (Page, error)
	ListDue(ctx context.Context, q DueQuery) ([]string, error)
	GiveUpExhausted(ctx context.Context, maxAttempts int) (int, error)
	AddIdempotencyKeys(ctx context.Context, id string, keys []string) error
	Ping(ctx context.Context) error
	Close() error
}

// KeyStore records which event owns an application idempotency key.
type KeyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key, eventID string) (owner string, claimed bool, err error)
	ReleaseIdempotencyKeys(ctx context.Context, eventID string) error
}

type Backend interface {
	Store
	KeyStore
}

// unavailable maps driver failures onto ErrStoreUnavailable and leaves domain errors alone.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAttemptInProgress) ||
		errors.Is(err, ErrNotEligible) || errors.Is(err, ErrStaleAttempt) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ErrStoreUnavailable.WithCause(err)
}

func traceReceived() string { return "received" }

func traceVerified(verified bool) string {
	if verified {
		return "signature verified"
	}
	return "signature rejected"
}

func traceStarted(attempt int) string {
	return fmt.Sprintf("attempt %d started", attempt)
}

func traceGivenUp(attempts int) string {
	return fmt.Sprintf("given up after %d attempts", attempts)
}

func resultTraces(attempt int, r AttemptResult) []string {
	switch r.Outcome {
	case OutcomeOK:
		if r.Reason != "" {
			return []string{fmt.Sprintf("attempt %d succeeded (%s)", attempt, r.Reason)}
		}
		return []string{fmt.Sprintf("attempt %d succeeded", attempt)}
	case OutcomeTransient:
		msgs := []string{fmt.Sprintf("attempt %d failed (transient): %s", attempt, r.Reason)}
		if r.GiveUp {
			msgs = append(msgs, traceGivenUp(attempt))
		}
		return msgs
	default:
		return []string{fmt.Sprintf("attempt %d failed (permanent): %s", attempt, r.Reason)}
	}
}

// resultState is the field set written by RecordAttemptResult.
type resultState struct {
	Result      Result
	ProcessedAt *time.Time
	Retryable   bool
	GivenUp     bool
	LastError   string
}

func stateFor(r AttemptResult, now time.Time) resultState {
	switch r.Outcome {
	case OutcomeOK:
		return resultState{Result: ResultOK, ProcessedAt: &now}
	case OutcomeTransient:
		return resultState{Result: ResultError, Retryable: !r.GiveUp, GivenUp: r.GiveUp, LastError: r.Reason}
	default:
		return resultState{Result: ResultError, LastError: r.Reason}
	}
}

func validateResult(r AttemptResult) error {
	switch r.Outcome {
	case OutcomeOK, OutcomeTransient, OutcomePermanent:
		return nil
	}
	return fmt.Errorf("unknown attempt outcome %q", r.Outcome)
}

// backoffFor mirrors the SQL and Mongo due predicates.
func backoffFor(attempts int, base, maxBackoff time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff || d <= 0 {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func normalizeKeys(keys []string) []string {
	set := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := set[k]; ok {
			continue
		}
		set[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
