package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const defaultCheckTimeout = 5 * time.Second

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

type entry struct {
	checker  Checker
	optional bool
}

// CheckerRegistry runs every registered dependency check concurrently. A failing
// optional check degrades the report; a failing required one makes it unhealthy.
type CheckerRegistry struct {
	mu      sync.RWMutex
	entries []entry
	now     func() time.Time
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{now: time.Now}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.add(entry{checker: checker})
}

// RegisterOptional adds a checker whose failure degrades, but does not fail, the service.
func (r *CheckerRegistry) RegisterOptional(checker Checker) {
	r.add(entry{checker: checker, optional: true})
}

func (r *CheckerRegistry) add(e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	results := make([]CheckResult, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			start := r.now()
			err := e.checker.Check(ctx)
			res := CheckResult{Status: StatusHealthy, Latency: r.now().Sub(start), Timestamp: r.now()}
			if err != nil {
				res.Message = err.Error()
				res.Status = StatusUnhealthy
				if e.optional {
					res.Status = StatusDegraded
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	h := Health{Status: StatusHealthy, Timestamp: r.now(), Checks: make(map[string]CheckResult, len(entries))}
	for i, e := range entries {
		res := results[i]
		h.Checks[e.checker.Name()] = res
		switch {
		case res.Status == StatusUnhealthy:
			h.Status = StatusUnhealthy
		case res.Status == StatusDegraded && h.Status == StatusHealthy:
			h.Status = StatusDegraded
		}
	}
	return h
}

// Handler serves the report, answering 503 while any required dependency is down.
func (r *CheckerRegistry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := r.Check(c.Request.Context())
		code := http.StatusOK
		if h.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, h)
	}
}

// pingChecker is the shape every backend check takes: a bounded ping with the
// dependency name in front of the error.
type pingChecker struct {
	name    string
	timeout time.Duration
	ping    func(ctx context.Context) error
}

func (c *pingChecker) Name() string {
	return c.name
}

func (c *pingChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", c.name, err)
	}
	return nil
}

func NewPostgreSQLChecker(db *sql.DB) Checker {
	return &pingChecker{name: "postgresql", timeout: defaultCheckTimeout, ping: db.PingContext}
}

func NewRedisChecker(client *redis.Client) Checker {
	return &pingChecker{name: "redis", timeout: defaultCheckTimeout, ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

func NewMongoDBChecker(client *mongo.Client) Checker {
	return &pingChecker{name: "mongodb", timeout: defaultCheckTimeout, ping: func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}}
}

// NewFuncChecker adapts a ping function, such as an event store's Ping, to Checker.
func NewFuncChecker(name string, fn func(ctx context.Context) error) Checker {
	return &pingChecker{name: name, timeout: defaultCheckTimeout, ping: fn}
}
