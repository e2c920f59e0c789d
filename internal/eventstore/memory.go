package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryKey struct {
	provider string
	eventID  string
}

// MemoryStore keeps everything in process memory behind a single mutex.
// It backs tests and the "memory" driver.
type MemoryStore struct {
	mu      sync.Mutex
	events  map[string]*WebhookEvent
	natural map[memoryKey]string
	keys    map[string]string
	now     func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the wall clock used for timestamps and lease checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		events:  make(map[string]*WebhookEvent),
		natural: make(map[memoryKey]string),
		keys:    make(map[string]string),
		now:     utcNow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, ev NewEvent) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nk := memoryKey{provider: ev.Provider, eventID: ev.EventID}
	if id, ok := s.natural[nk]; ok {
		return InsertResult{Event: cloneEvent(s.events[id])}, nil
	}

	now := s.now()
	rec := &WebhookEvent{
		ID:                uuid.NewString(),
		Provider:          ev.Provider,
		EventID:           ev.EventID,
		EventType:         ev.EventType,
		ReceivedAt:        now,
		SignatureVerified: ev.SignatureVerified,
		Payload:           append([]byte(nil), ev.Payload...),
		PayloadHash:       ev.PayloadHash,
		Result:            ResultPending,
		IdempotencyKeys:   normalizeKeys(ev.IdempotencyKeys),
		LastTransitionAt:  now,
		Traces: []Trace{
			{Timestamp: now, Message: traceReceived()},
			{Timestamp: now, Message: traceVerified(ev.SignatureVerified)},
		},
	}
	if !ev.SignatureVerified {
		rec.Result = ResultError
	}
	s.events[rec.ID] = rec
	s.natural[nk] = rec.ID
	return InsertResult{Event: cloneEvent(rec), Created: true}, nil
}

func (s *MemoryStore) RecordAttemptStart(ctx context.Context, id string, lease time.Duration) (AttemptToken, error) {
	if err := ctx.Err(); err != nil {
		return AttemptToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return AttemptToken{}, ErrNotFound
	}
	now := s.now()
	if !rec.SignatureVerified || rec.Result == ResultOK || rec.GivenUp {
		return AttemptToken{}, ErrNotEligible
	}
	if rec.LeaseToken != "" && rec.LeaseUntil != nil && !rec.LeaseUntil.Before(now) {
		return AttemptToken{}, ErrAttemptInProgress
	}

	until := now.Add(lease)
	rec.Attempts++
	rec.Result = ResultPending
	rec.LeaseToken = uuid.NewString()
	rec.LeaseUntil = &until
	rec.LastTransitionAt = now
	rec.Traces = append(rec.Traces, Trace{Timestamp: now, Message: traceStarted(rec.Attempts)})

	return AttemptToken{EventID: id, Attempt: rec.Attempts, Lease: rec.LeaseToken}, nil
}

func (s *MemoryStore) RecordAttemptResult(ctx context.Context, token AttemptToken, result AttemptResult) error {
	if err := validateResult(result); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[token.EventID]
	if !ok {
		return ErrNotFound
	}
	if rec.LeaseToken != token.Lease || rec.Attempts != token.Attempt {
		return ErrStaleAttempt
	}

	now := s.now()
	st := stateFor(result, now)
	rec.Result = st.Result
	rec.ProcessedAt = st.ProcessedAt
	rec.Retryable = st.Retryable
	rec.GivenUp = st.GivenUp
	rec.LastError = st.LastError
	rec.LeaseToken = ""
	rec.LeaseUntil = nil
	rec.LastTransitionAt = now
	for _, msg := range resultTraces(token.Attempt, result) {
		rec.Traces = append(rec.Traces, Trace{Timestamp: now, Message: msg})
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(rec), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter, page, size int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.mu.Lock()
	matched := make([]WebhookEvent, 0, len(s.events))
	for _, rec := range s.events {
		if matchesFilter(rec, filter) {
			matched = append(matched, summarizeEvent(rec))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	out := Page{Total: len(matched), Items: []WebhookEvent{}}
	start, ok := pageOffset(len(matched), page, size)
	if !ok {
		return out, nil
	}
	end := min(start+size, len(matched))
	out.Items = append(out.Items, matched[start:end]...)
	return out, nil
}

func matchesFilter(rec *WebhookEvent, f Filter) bool {
	if f.Status != "" && rec.Result != f.Status {
		return false
	}
	if f.From != nil && rec.ReceivedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !rec.ReceivedAt.Before(*f.To) {
		return false
	}
	if f.Q != "" {
		q := strings.ToLower(f.Q)
		if !strings.Contains(strings.ToLower(rec.EventType), q) && !strings.Contains(strings.ToLower(rec.EventID), q) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) ListDue(ctx context.Context, q DueQuery) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*WebhookEvent, 0)
	for _, rec := range s.events {
		if isDue(rec, q) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].LastTransitionAt.Before(due[j].LastTransitionAt)
	})
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}

	ids := make([]string, 0, len(due))
	for _, rec := range due {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func leaseLive(rec *WebhookEvent, now time.Time) bool {
	return rec.LeaseToken != "" && rec.LeaseUntil != nil && !rec.LeaseUntil.Before(now)
}

func isDue(rec *WebhookEvent, q DueQuery) bool {
	if !rec.SignatureVerified || rec.GivenUp || leaseLive(rec, q.Now) {
		return false
	}
	switch rec.Result {
	case ResultError:
		if !rec.Retryable || rec.Attempts >= q.MaxAttempts {
			return false
		}
		return !rec.LastTransitionAt.Add(backoffFor(rec.Attempts, q.BaseBackoff, q.MaxBackoff)).After(q.Now)
	case ResultPending:
		// never dispatched, or the worker holding the lease died
		if rec.Attempts >= q.MaxAttempts {
			return false
		}
		return !rec.LastTransitionAt.Add(q.BaseBackoff).After(q.Now)
	}
	return false
}

func (s *MemoryStore) GiveUpExhausted(ctx context.Context, maxAttempts int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for _, rec := range s.events {
		if !exhausted(rec, maxAttempts, now) {
			continue
		}
		rec.Result = ResultError
		rec.Retryable = false
		rec.GivenUp = true
		rec.LeaseToken = ""
		rec.LeaseUntil = nil
		rec.LastTransitionAt = now
		if rec.LastError == "" {
			rec.LastError = "attempt abandoned"
		}
		rec.Traces = append(rec.Traces, Trace{Timestamp: now, Message: traceGivenUp(rec.Attempts)})
		count++
	}
	return count, nil
}

func exhausted(rec *WebhookEvent, maxAttempts int, now time.Time) bool {
	if !rec.SignatureVerified || rec.GivenUp || rec.Attempts < maxAttempts {
		return false
	}
	switch rec.Result {
	case ResultError:
		return rec.Retryable
	case ResultPending:
		return !leaseLive(rec, now)
	}
	return false
}

func (s *MemoryStore) AddIdempotencyKeys(ctx context.Context, id string, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	rec.IdempotencyKeys = normalizeKeys(append(rec.IdempotencyKeys, keys...))
	return nil
}

func (s *MemoryStore) ClaimIdempotencyKey(ctx context.Context, key, eventID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.keys[key]; ok {
		return owner, owner == eventID, nil
	}
	s.keys[key] = eventID
	return eventID, true, nil
}

func (s *MemoryStore) ReleaseIdempotencyKeys(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, owner := range s.keys {
		if owner == eventID {
			delete(s.keys, key)
		}
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

// summarizeEvent copies rec without its payload and traces. Callers hold s.mu.
func summarizeEvent(rec *WebhookEvent) WebhookEvent {
	out := *rec
	out.Payload = nil
	out.Traces = nil
	out.IdempotencyKeys = append([]string(nil), rec.IdempotencyKeys...)
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		out.ProcessedAt = &t
	}
	if rec.LeaseUntil != nil {
		t := *rec.LeaseUntil
		out.LeaseUntil = &t
	}
	return out
}

func cloneEvent(rec *WebhookEvent) *WebhookEvent {
	out := *rec
	out.Payload = append([]byte(nil), rec.Payload...)
	out.IdempotencyKeys = append([]string(nil), rec.IdempotencyKeys...)
	out.Traces = append([]Trace(nil), rec.Traces...)
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		out.ProcessedAt = &t
	}
	if rec.LeaseUntil != nil {
		t := *rec.LeaseUntil
		out.LeaseUntil = &t
	}
	return &out
}
