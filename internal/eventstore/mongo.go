package eventstore

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hookvault/internal/constants"
	"hookvault/pkg/metrics"
)

type eventDocument struct {
	ID                string     `bson:"_id"`
	Provider          string     `bson:"provider"`
	EventID           string     `bson:"event_id"`
	EventType         string     `bson:"event_type"`
	ReceivedAt        time.Time  `bson:"received_at"`
	SignatureVerified bool       `bson:"signature_verified"`
	Payload           []byte     `bson:"payload,omitempty"`
	PayloadHash       string     `bson:"payload_hash"`
	Result            string     `bson:"result"`
	ProcessedAt       *time.Time `bson:"processed_at,omitempty"`
	Attempts          int        `bson:"attempts"`
	IdempotencyKeys   []string   `bson:"idempotency_keys"`
	Traces            []Trace    `bson:"traces,omitempty"`
	Retryable         bool       `bson:"retryable"`
	GivenUp           bool       `bson:"given_up"`
	LastError         string     `bson:"last_error"`
	LastTransitionAt  time.Time  `bson:"last_transition_at"`
	LeaseToken        *string    `bson:"lease_token"`
	LeaseUntil        *time.Time `bson:"lease_until"`
}

func (d *eventDocument) toEvent() *WebhookEvent {
	ev := &WebhookEvent{
		ID:                d.ID,
		Provider:          d.Provider,
		EventID:           d.EventID,
		EventType:         d.EventType,
		ReceivedAt:        d.ReceivedAt.UTC(),
		SignatureVerified: d.SignatureVerified,
		Payload:           d.Payload,
		PayloadHash:       d.PayloadHash,
		Result:            Result(d.Result),
		Attempts:          d.Attempts,
		IdempotencyKeys:   d.IdempotencyKeys,
		Traces:            d.Traces,
		Retryable:         d.Retryable,
		GivenUp:           d.GivenUp,
		LastError:         d.LastError,
		LastTransitionAt:  d.LastTransitionAt.UTC(),
	}
	if ev.IdempotencyKeys == nil {
		ev.IdempotencyKeys = []string{}
	}
	for i := range ev.Traces {
		ev.Traces[i].Timestamp = ev.Traces[i].Timestamp.UTC()
	}
	if d.ProcessedAt != nil {
		t := d.ProcessedAt.UTC()
		ev.ProcessedAt = &t
	}
	if d.LeaseToken != nil {
		ev.LeaseToken = *d.LeaseToken
	}
	if d.LeaseUntil != nil {
		t := d.LeaseUntil.UTC()
		ev.LeaseUntil = &t
	}
	return ev
}

type keyDocument struct {
	Key       string    `bson:"_id"`
	EventID   string    `bson:"event_id"`
	ClaimedAt time.Time `bson:"claimed_at"`
}

type MongoStore struct {
	client *mongo.Client
	events *mongo.Collection
	keys   *mongo.Collection
	now    func() time.Time
}

func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client: client,
		events: db.Collection(constants.CollectionWebhookEvents),
		keys:   db.Collection(constants.CollectionIdempotencyKeys),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
	}
}

func (s *MongoStore) observe(op string, start time.Time, err *error) {
	metrics.ObserveStoreOperation(constants.DriverMongoDB, op, *err, time.Since(start))
}

func traceDocs(at time.Time, messages ...string) bson.A {
	out := make(bson.A, 0, len(messages))
	for _, m := range messages {
		out = append(out, Trace{Timestamp: at, Message: m})
	}
	return out
}

func (s *MongoStore) InsertIfAbsent(ctx context.Context, ev NewEvent) (res InsertResult, err error) {
	defer s.observe("insert", time.Now(), &err)

	now := s.now()
	result := ResultPending
	if !ev.SignatureVerified {
		result = ResultError
	}
	doc := eventDocument{
		ID:                uuid.NewString(),
		Provider:          ev.Provider,
		EventID:           ev.EventID,
		EventType:         ev.EventType,
		ReceivedAt:        now,
		SignatureVerified: ev.SignatureVerified,
		Payload:           ev.Payload,
		PayloadHash:       ev.PayloadHash,
		Result:            string(result),
		IdempotencyKeys:   normalizeKeys(ev.IdempotencyKeys),
		LastTransitionAt:  now,
		Traces: []Trace{
			{Timestamp: now, Message: traceReceived()},
			{Timestamp: now, Message: traceVerified(ev.SignatureVerified)},
		},
	}

	filter := bson.M{"provider": ev.Provider, "event_id": ev.EventID}
	up, err := s.events.UpdateOne(ctx, filter, bson.M{"$setOnInsert": doc}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return InsertResult{}, unavailable(err)
	}
	if err == nil && up.UpsertedCount == 1 {
		return InsertResult{Event: doc.toEvent(), Created: true}, nil
	}

	var existing eventDocument
	if err = s.events.FindOne(ctx, filter).Decode(&existing); err != nil {
		return InsertResult{}, s.notFoundOr(err)
	}
	return InsertResult{Event: existing.toEvent()}, nil
}

func (s *MongoStore) notFoundOr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return unavailable(err)
}

func leaseFree(now time.Time) bson.A {
	return bson.A{
		bson.M{"lease_token": nil},
		bson.M{"lease_until": bson.M{"$lt": now}},
	}
}

func (s *MongoStore) RecordAttemptStart(ctx context.Context, id string, lease time.Duration) (tok AttemptToken, err error) {
	defer s.observe("attempt_start", time.Now(), &err)

	now := s.now()
	leaseToken := uuid.NewString()
	filter := bson.M{
		"_id":                id,
		"signature_verified": true,
		"result":             bson.M{"$ne": string(ResultOK)},
		"given_up":           false,
		"$or":                leaseFree(now),
	}
	// one pipeline update, so the started trace can never be missing from a leased attempt;
	// the message must match traceStarted
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"attempts":           bson.M{"$add": bson.A{"$attempts", 1}},
			"result":             string(ResultPending),
			"lease_token":        leaseToken,
			"lease_until":        now.Add(lease),
			"last_transition_at": now,
		}}},
		{{Key: "$set", Value: bson.M{
			"traces": bson.M{"$concatArrays": bson.A{
				bson.M{"$ifNull": bson.A{"$traces", bson.A{}}},
				bson.A{bson.M{
					"timestamp": now,
					"message":   bson.M{"$concat": bson.A{"attempt ", bson.M{"$toString": "$attempts"}, " started"}},
				}},
			}},
		}}},
	}

	var doc eventDocument
	err = s.events.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"payload": 0, "traces": 0}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return AttemptToken{}, s.whyNotStarted(ctx, id, now)
	}
	if err != nil {
		return AttemptToken{}, unavailable(err)
	}
	return AttemptToken{EventID: id, Attempt: doc.Attempts, Lease: leaseToken}, nil
}

func (s *MongoStore) whyNotStarted(ctx context.Context, id string, now time.Time) error {
	var doc eventDocument
	err := s.events.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"payload": 0, "traces": 0}),
	).Decode(&doc)
	if err != nil {
		return s.notFoundOr(err)
	}
	if !doc.SignatureVerified || doc.GivenUp || Result(doc.Result) == ResultOK {
		return ErrNotEligible
	}
	if doc.LeaseUntil != nil && !doc.LeaseUntil.Before(now) {
		return ErrAttemptInProgress
	}
	return ErrNotEligible
}

func (s *MongoStore) RecordAttemptResult(ctx context.Context, token AttemptToken, result AttemptResult) (err error) {
	defer s.observe("attempt_result", time.Now(), &err)

	if err = validateResult(result); err != nil {
		return err
	}
	now := s.now()
	st := stateFor(result, now)

	set := bson.M{
		"result":             string(st.Result),
		"retryable":          st.Retryable,
		"given_up":           st.GivenUp,
		"last_error":         st.LastError,
		"lease_token":        nil,
		"lease_until":        nil,
		"last_transition_at": now,
	}
	if st.ProcessedAt != nil {
		set["processed_at"] = *st.ProcessedAt
	}
	res, err := s.events.UpdateOne(ctx,
		bson.M{"_id": token.EventID, "lease_token": token.Lease, "attempts": token.Attempt},
		bson.M{
			"$set":  set,
			"$push": bson.M{"traces": bson.M{"$each": traceDocs(now, resultTraces(token.Attempt, result)...)}},
		},
	)
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount == 0 {
		n, cerr := s.events.CountDocuments(ctx, bson.M{"_id": token.EventID})
		if cerr != nil {
			return unavailable(cerr)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrStaleAttempt
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (ev *WebhookEvent, err error) {
	defer s.observe("get", time.Now(), &err)

	var doc eventDocument
	if err = s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, s.notFoundOr(err)
	}
	return doc.toEvent(), nil
}

func listFilter(f Filter) bson.M {
	filter := bson.M{}
	if f.Status != "" {
		filter["result"] = string(f.Status)
	}
	if f.Q != "" {
		rx := containsRegex(f.Q)
		filter["$or"] = bson.A{bson.M{"event_type": rx}, bson.M{"event_id": rx}}
	}
	received := bson.M{}
	if f.From != nil {
		received["$gte"] = *f.From
	}
	if f.To != nil {
		received["$lt"] = *f.To
	}
	if len(received) > 0 {
		filter["received_at"] = received
	}
	return filter
}

func containsRegex(q string) bson.M {
	return bson.M{"$regex": regexp.QuoteMeta(q), "$options": "i"}
}

func (s *MongoStore) List(ctx context.Context, filter Filter, page, size int) (out Page, err error) {
	defer s.observe("list", time.Now(), &err)

	query := listFilter(filter)
	total, err := s.events.CountDocuments(ctx, query)
	if err != nil {
		return Page{}, unavailable(err)
	}

	out = Page{Total: int(total), Items: []WebhookEvent{}}
	start, ok := pageOffset(out.Total, page, size)
	if !ok {
		return out, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(start)).
		SetLimit(int64(size)).
		SetProjection(bson.M{"payload": 0, "traces": 0})
	cur, err := s.events.Find(ctx, query, opts)
	if err != nil {
		return Page{}, unavailable(err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc eventDocument
		if err = cur.Decode(&doc); err != nil {
			return Page{}, unavailable(err)
		}
		out.Items = append(out.Items, *doc.toEvent())
	}
	if err = cur.Err(); err != nil {
		return Page{}, unavailable(err)
	}
	return out, nil
}

func (s *MongoStore) ListDue(ctx context.Context, q DueQuery) (ids []string, err error) {
	defer s.observe("list_due", time.Now(), &err)

	baseMs := q.BaseBackoff.Milliseconds()
	maxMs := q.MaxBackoff.Milliseconds()
	filter := bson.M{
		"signature_verified": true,
		"given_up":           false,
		"attempts":           bson.M{"$lt": q.MaxAttempts},
		"$and": bson.A{
			bson.M{"$or": leaseFree(q.Now)},
			bson.M{"$or": bson.A{
				bson.M{
					"result":    string(ResultError),
					"retryable": true,
					"$expr": bson.M{"$lte": bson.A{
						"$last_transition_at",
						bson.M{"$subtract": bson.A{
							q.Now,
							bson.M{"$min": bson.A{
								bson.M{"$multiply": bson.A{baseMs, bson.M{"$pow": bson.A{2, "$attempts"}}}},
								maxMs,
							}},
						}},
					}},
				},
				bson.M{
					"result":             string(ResultPending),
					"last_transition_at": bson.M{"$lte": q.Now.Add(-q.BaseBackoff)},
				},
			}},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_transition_at", Value: 1}}).
		SetProjection(bson.M{"_id": 1})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable(err)
	}
	defer cur.Close(ctx)

	ids = make([]string, 0)
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err = cur.Decode(&doc); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, doc.ID)
	}
	if err = cur.Err(); err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func (s *MongoStore) GiveUpExhausted(ctx context.Context, maxAttempts int) (n int, err error) {
	defer s.observe("give_up", time.Now(), &err)

	now := s.now()
	filter := bson.M{
		"signature_verified": true,
		"given_up":           false,
		"attempts":           bson.M{"$gte": maxAttempts},
		"$or": bson.A{
			bson.M{"result": string(ResultError), "retryable": true},
			bson.M{"result": string(ResultPending), "$or": leaseFree(now)},
		},
	}
	cur, err := s.events.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1, "attempts": 1, "last_error": 1}))
	if err != nil {
		return 0, unavailable(err)
	}
	var candidates []eventDocument
	if err = cur.All(ctx, &candidates); err != nil {
		return 0, unavailable(err)
	}

	for _, c := range candidates {
		lastError := c.LastError
		if lastError == "" {
			lastError = "attempt abandoned"
		}
		guarded := bson.M{"_id": c.ID, "attempts": c.Attempts}
		for k, v := range filter {
			if k != "attempts" {
				guarded[k] = v
			}
		}
		res, uerr := s.events.UpdateOne(ctx, guarded, bson.M{
			"$set": bson.M{
				"result":             string(ResultError),
				"retryable":          false,
				"given_up":           true,
				"last_error":         lastError,
				"lease_token":        nil,
				"lease_until":        nil,
				"last_transition_at": now,
			},
			"$push": bson.M{"traces": Trace{Timestamp: now, Message: traceGivenUp(c.Attempts)}},
		})
		if uerr != nil {
			return n, unavailable(uerr)
		}
		n += int(res.ModifiedCount)
	}
	return n, nil
}

func (s *MongoStore) AddIdempotencyKeys(ctx context.Context, id string, keys []string) (err error) {
	defer s.observe("add_keys", time.Now(), &err)

	res, err := s.events.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"idempotency_keys": bson.M{"$each": normalizeKeys(keys)}}},
	)
	if err != nil {
		return unavailable(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ClaimIdempotencyKey(ctx context.Context, key, eventID string) (owner string, claimed bool, err error) {
	defer s.observe("claim_key", time.Now(), &err)

	_, err = s.keys.InsertOne(ctx, keyDocument{Key: key, EventID: eventID, ClaimedAt: s.now()})
	if err == nil {
		return eventID, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return "", false, unavailable(err)
	}

	var doc keyDocument
	if err = s.keys.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, ErrStoreUnavailable.WithMessage("idempotency key released concurrently")
		}
		return "", false, unavailable(err)
	}
	return doc.EventID, doc.EventID == eventID, nil
}

func (s *MongoStore) ReleaseIdempotencyKeys(ctx context.Context, eventID string) (err error) {
	defer s.observe("release_keys", time.Now(), &err)

	_, err = s.keys.DeleteMany(ctx, bson.M{"event_id": eventID})
	return unavailable(err)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return unavailable(s.client.Ping(ctx, nil))
}

// Close is a no-op; the client is owned by bootstrap.
func (s *MongoStore) Close() error {
	return nil
}
