package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"hookvault/internal/constants"
	"hookvault/pkg/metrics"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: utcNow}
}

const eventColumns = `id, provider, event_id, event_type, received_at, signature_verified, payload, payload_hash,
	result, processed_at, attempts, idempotency_keys, retryable, given_up, last_error, last_transition_at,
	lease_token, lease_until`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*WebhookEvent, error) {
	var (
		ev          WebhookEvent
		result      string
		processedAt sql.NullTime
		leaseToken  sql.NullString
		leaseUntil  sql.NullTime
		keys        pq.StringArray
	)
	err := row.Scan(
		&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &ev.ReceivedAt, &ev.SignatureVerified,
		&ev.Payload, &ev.PayloadHash, &result, &processedAt, &ev.Attempts, &keys, &ev.Retryable,
		&ev.GivenUp, &ev.LastError, &ev.LastTransitionAt, &leaseToken, &leaseUntil,
	)
	if err != nil {
		return nil, err
	}
	ev.Result = Result(result)
	ev.IdempotencyKeys = []string(keys)
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	ev.LastTransitionAt = ev.LastTransitionAt.UTC()
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		ev.ProcessedAt = &t
	}
	if leaseToken.Valid {
		ev.LeaseToken = leaseToken.String
	}
	if leaseUntil.Valid {
		t := leaseUntil.Time.UTC()
		ev.LeaseUntil = &t
	}
	return &ev, nil
}

func (s *PostgresStore) observe(op string, start time.Time, err *error) {
	metrics.ObserveStoreOperation(constants.DriverPostgres, op, *err, time.Since(start))
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertTraces(ctx context.Context, tx *sql.Tx, eventID string, at time.Time, messages ...string) error {
	for _, msg := range messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_event_traces (event_id, occurred_at, message) VALUES ($1, $2, $3)`,
			eventID, at, msg,
		); err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, ev NewEvent) (res InsertResult, err error) {
	defer s.observe("insert", time.Now(), &err)

	now := s.now()
	id := uuid.NewString()
	result := ResultPending
	if !ev.SignatureVerified {
		result = ResultError
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var inserted string
		qerr := tx.QueryRowContext(ctx, `
			INSERT INTO webhook_events (id, provider, event_id, event_type, received_at, signature_verified,
				payload, payload_hash, result, attempts, idempotency_keys, last_transition_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $5)
			ON CONFLICT (provider, event_id) DO NOTHING
			RETURNING id`,
			id, ev.Provider, ev.EventID, ev.EventType, now, ev.SignatureVerified,
			ev.Payload, ev.PayloadHash, string(result), pq.Array(normalizeKeys(ev.IdempotencyKeys)),
		).Scan(&inserted)
		if errors.Is(qerr, sql.ErrNoRows) {
			return nil
		}
		if qerr != nil {
			return qerr
		}
		res.Created = true
		return insertTraces(ctx, tx, id, now, traceReceived(), traceVerified(ev.SignatureVerified))
	})
	if err != nil {
		return InsertResult{}, unavailable(err)
	}

	var stored *WebhookEvent
	if res.Created {
		stored, err = s.get(ctx, id)
	} else {
		stored, err = s.getByNaturalKey(ctx, ev.Provider, ev.EventID)
	}
	if err != nil {
		return InsertResult{}, unavailable(err)
	}
	res.Event = stored
	return res, nil
}

func (s *PostgresStore) RecordAttemptStart(ctx context.Context, id string, lease time.Duration) (tok AttemptToken, err error) {
	defer s.observe("attempt_start", time.Now(), &err)

	if _, perr := uuid.Parse(id); perr != nil {
		return AttemptToken{}, ErrNotFound
	}

	now := s.now()
	leaseToken := uuid.NewString()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		qerr := tx.QueryRowContext(ctx, `
			UPDATE webhook_events
			SET attempts = attempts + 1, result = 'pending', lease_token = $2, lease_until = $3, last_transition_at = $4
			WHERE id = $1 AND signature_verified AND result <> 'ok' AND NOT given_up
				AND (lease_token IS NULL OR lease_until < $4)
			RETURNING attempts`,
			id, leaseToken, now.Add(lease), now,
		).Scan(&attempts)
		if errors.Is(qerr, sql.ErrNoRows) {
			return s.whyNotStarted(ctx, tx, id, now)
		}
		if qerr != nil {
			return qerr
		}
		tok = AttemptToken{EventID: id, Attempt: attempts, Lease: leaseToken}
		return insertTraces(ctx, tx, id, now, traceStarted(attempts))
	})
	if err != nil {
		return AttemptToken{}, unavailable(err)
	}
	return tok, nil
}

func (s *PostgresStore) whyNotStarted(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	var (
		verified, givenUp bool
		result            string
		leaseUntil        sql.NullTime
	)
	err := tx.QueryRowContext(ctx,
		`SELECT signature_verified, given_up, result, lease_until FROM webhook_events WHERE id = $1`, id,
	).Scan(&verified, &givenUp, &result, &leaseUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !verified || givenUp || Result(result) == ResultOK {
		return ErrNotEligible
	}
	if leaseUntil.Valid && !leaseUntil.Time.Before(now) {
		return ErrAttemptInProgress
	}
	return ErrNotEligible
}

func (s *PostgresStore) RecordAttemptResult(ctx context.Context, token AttemptToken, result AttemptResult) (err error) {
	defer s.observe("attempt_result", time.Now(), &err)

	if err = validateResult(result); err != nil {
		return err
	}
	now := s.now()
	st := stateFor(result, now)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, uerr := tx.ExecContext(ctx, `
			UPDATE webhook_events
			SET result = $4, processed_at = $5, retryable = $6, given_up = $7, last_error = $8,
				lease_token = NULL, lease_until = NULL, last_transition_at = $9
			WHERE id = $1 AND lease_token = $2 AND attempts = $3`,
			token.EventID, token.Lease, token.Attempt, string(st.Result), st.ProcessedAt,
			st.Retryable, st.GivenUp, st.LastError, now,
		)
		if uerr != nil {
			return uerr
		}
		n, uerr := res.RowsAffected()
		if uerr != nil {
			return uerr
		}
		if n == 0 {
			var exists bool
			if qerr := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE id = $1)`, token.EventID,
			).Scan(&exists); qerr != nil {
				return qerr
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStaleAttempt
		}
		return insertTraces(ctx, tx, token.EventID, now, resultTraces(token.Attempt, result)...)
	})
	return unavailable(err)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (ev *WebhookEvent, err error) {
	defer s.observe("get", time.Now(), &err)

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, ErrNotFound
	}
	ev, err = s.get(ctx, id)
	return ev, unavailable(err)
}

func (s *PostgresStore) get(ctx context.Context, id string) (*WebhookEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Traces, err = s.traces(ctx, id)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) getByNaturalKey(ctx context.Context, provider, eventID string) (*WebhookEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Traces, err = s.traces(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) traces(ctx context.Context, id string) ([]Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, message FROM webhook_event_traces WHERE event_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	traces := make([]Trace, 0)
	for rows.Next() {
		var t Trace
		if err := rows.Scan(&t.Timestamp, &t.Message); err != nil {
			return nil, err
		}
		t.Timestamp = t.Timestamp.UTC()
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *PostgresStore) List(ctx context.Context, filter Filter, page, size int) (out Page, err error) {
	defer s.observe("list", time.Now(), &err)

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		conds = append(conds, "result = "+arg(string(filter.Status)))
	}
	if filter.Q != "" {
		p := arg("%" + escapeLike(filter.Q) + "%")
		conds = append(conds, fmt.Sprintf("(event_type ILIKE %s OR event_id ILIKE %s)", p, p))
	}
	if filter.From != nil {
		conds = append(conds, "received_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "received_at < "+arg(*filter.To))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	if err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM webhook_events`+where, args...).Scan(&out.Total); err != nil {
		return Page{}, unavailable(err)
	}

	out.Items = []WebhookEvent{}
	start, ok := pageOffset(out.Total, page, size)
	if !ok {
		return out, nil
	}
	limit := arg(size)
	offset := arg(start)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events`+where+
			` ORDER BY received_at DESC, id DESC LIMIT `+limit+` OFFSET `+offset, args...)
	if err != nil {
		return Page{}, unavailable(err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, serr := scanEvent(rows)
		if serr != nil {
			return Page{}, unavailable(serr)
		}
		ev.Payload = nil
		out.Items = append(out.Items, *ev)
	}
	if err = rows.Err(); err != nil {
		return Page{}, unavailable(err)
	}
	return out, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, q DueQuery) (ids []string, err error) {
	defer s.observe("list_due", time.Now(), &err)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM webhook_events
		WHERE signature_verified AND NOT given_up
			AND (lease_token IS NULL OR lease_until < $1::timestamptz)
			AND attempts < $2
			AND (
				(result = 'error' AND retryable
					AND last_transition_at <= $1::timestamptz
						- LEAST($3::double precision * power(2, attempts), $4::double precision) * interval '1 millisecond')
				OR (result = 'pending'
					AND last_transition_at <= $1::timestamptz - $3::double precision * interval '1 millisecond')
			)
		ORDER BY last_transition_at ASC
		LIMIT $5`,
		q.Now, q.MaxAttempts, float64(q.BaseBackoff.Milliseconds()), float64(q.MaxBackoff.Milliseconds()), q.Limit,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	ids = make([]string, 0)
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func (s *PostgresStore) GiveUpExhausted(ctx context.Context, maxAttempts int) (n int, err error) {
	defer s.observe("give_up", time.Now(), &err)

	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, qerr := tx.QueryContext(ctx, `
			UPDATE webhook_events
			SET result = 'error', retryable = FALSE, given_up = TRUE, lease_token = NULL, lease_until = NULL,
				last_transition_at = $2,
				last_error = CASE WHEN last_error = '' THEN 'attempt abandoned' ELSE last_error END
			WHERE signature_verified AND NOT given_up AND attempts >= $1
				AND ((result = 'error' AND retryable)
					OR (result = 'pending' AND (lease_token IS NULL OR lease_until < $2)))
			RETURNING id, attempts`,
			maxAttempts, now,
		)
		if qerr != nil {
			return qerr
		}
		type given struct {
			id       string
			attempts int
		}
		var all []given
		for rows.Next() {
			var g given
			if serr := rows.Scan(&g.id, &g.attempts); serr != nil {
				rows.Close()
				return serr
			}
			all = append(all, g)
		}
		rows.Close()
		if rerr := rows.Err(); rerr != nil {
			return rerr
		}
		for _, g := range all {
			if terr := insertTraces(ctx, tx, g.id, now, traceGivenUp(g.attempts)); terr != nil {
				return terr
			}
		}
		n = len(all)
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *PostgresStore) AddIdempotencyKeys(ctx context.Context, id string, keys []string) (err error) {
	defer s.observe("add_keys", time.Now(), &err)

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET idempotency_keys = ARRAY(SELECT DISTINCT k FROM unnest(idempotency_keys || $2::text[]) AS k ORDER BY k)
		WHERE id = $1`,
		id, pq.Array(normalizeKeys(keys)),
	)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClaimIdempotencyKey(ctx context.Context, key, eventID string) (owner string, claimed bool, err error) {
	defer s.observe("claim_key", time.Now(), &err)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, event_id, claimed_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO NOTHING`,
		key, eventID, s.now(),
	)
	if err != nil {
		return "", false, unavailable(err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT event_id FROM idempotency_keys WHERE key = $1`, key).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		// released between insert and read; the caller retries on the next attempt
		return "", false, ErrStoreUnavailable.WithMessage("idempotency key released concurrently")
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return owner, owner == eventID, nil
}

func (s *PostgresStore) ReleaseIdempotencyKeys(ctx context.Context, eventID string) (err error) {
	defer s.observe("release_keys", time.Now(), &err)

	_, err = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE event_id = $1`, eventID)
	return unavailable(err)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return unavailable(s.db.PingContext(ctx))
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
