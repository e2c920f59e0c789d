// Package query is the read-only audit view over the event store.
package query

import (
	"context"
	"math"

	"hookvault/internal/config"
	"hookvault/internal/eventstore"
	pkgerrors "hookvault/pkg/errors"
)

type Service struct {
	store           eventstore.Store
	defaultPageSize int
	maxPageSize     int
}

func NewService(store eventstore.Store, cfg config.QueryConfig) *Service {
	return &Service{
		store:           store,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
	}
}

func invalid(field, msg string) error {
	return pkgerrors.ErrValidation.WithMessage(msg).WithDetail("field", field)
}

// List returns one page of events, newest first. A zero size selects the default page
// size and sizes above the maximum are clamped.
func (s *Service) List(ctx context.Context, req ListRequest) (*Page, error) {
	if req.Page < 0 {
		return nil, invalid("page", "page must not be negative")
	}
	size := req.Size
	switch {
	case size < 0:
		return nil, invalid("size", "size must not be negative")
	case size == 0:
		size = s.defaultPageSize
	case size > s.maxPageSize:
		size = s.maxPageSize
	}
	if size > 0 && req.Page > math.MaxInt/size {
		return nil, invalid("page", "page is out of range")
	}

	filter := eventstore.Filter{Q: req.Q, From: req.From, To: req.To}
	if req.Status != "" {
		status, ok := eventstore.ParseResult(req.Status)
		if !ok {
			return nil, invalid("status", "status must be one of pending, ok, error")
		}
		filter.Status = status
	}
	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return nil, invalid("from", "from must not be after to")
	}

	res, err := s.store.List(ctx, filter, req.Page, size)
	if err != nil {
		return nil, err
	}

	page := &Page{Items: make([]Summary, 0, len(res.Items)), Page: req.Page, Size: size, Total: res.Total}
	for i := range res.Items {
		page.Items = append(page.Items, summaryOf(&res.Items[i]))
	}
	return page, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	ev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return detailOf(ev), nil
}
