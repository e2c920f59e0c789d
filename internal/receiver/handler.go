// Package receiver is the inbound HTTP edge: it authenticates, decodes and admits deliveries.
package receiver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"hookvault/internal/constants"
	"hookvault/internal/deduplication"
	"hookvault/internal/eventstore"
	"hookvault/internal/logger"
	"hookvault/internal/processing"
	"hookvault/internal/signature"
	pkgerrors "hookvault/pkg/errors"
	"hookvault/pkg/logging"
	"hookvault/pkg/metrics"
	"hookvault/pkg/tracing"
)

const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

type Processor interface {
	Process(ctx context.Context, eventID string) (processing.Outcome, error)
}

type Submitter interface {
	Submit(eventID string) bool
}

// SecretFunc returns the shared secret configured for a provider, or "".
type SecretFunc func(provider string) string

type Options struct {
	Mode         string
	MaxBodyBytes int64
	Secrets      SecretFunc
}

type Response struct {
	Status string            `json:"status"`
	ID     string            `json:"id"`
	Result eventstore.Result `json:"result"`
}

type Handler struct {
	verifier  *signature.Verifier
	admission *deduplication.Service
	processor Processor
	submitter Submitter
	opts      Options
	logger    logger.Logger
}

func NewHandler(verifier *signature.Verifier, admission *deduplication.Service, processor Processor, submitter Submitter, opts Options, log logger.Logger) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = constants.DefaultMaxBodyBytes
	}
	if opts.Mode == "" {
		opts.Mode = constants.ProcessingModeSync
	}
	return &Handler{
		verifier:  verifier,
		admission: admission,
		processor: processor,
		submitter: submitter,
		opts:      opts,
		logger:    log,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhooks/:provider", h.Receive)
}

// Receive godoc
// @Summary      Receive a webhook delivery
// @Description  Verifies the provider signature, stores the event once per provider event id and runs or queues its first processing attempt. Duplicate deliveries are acknowledged without reprocessing.
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        provider  path      string  true  "Provider"  Enums(stripe, github, patreon, generic)
// @Success      200       {object}  Response
// @Failure      400       {object}  errors.ErrorResponse
// @Failure      401       {object}  errors.ErrorResponse
// @Failure      429       {object}  errors.ErrorResponse
// @Failure      503       {object}  errors.ErrorResponse
// @Router       /webhooks/{provider} [post]
func (h *Handler) Receive(c *gin.Context) {
	start := time.Now()
	provider := signature.ParseProvider(c.Param("provider"))

	ctx, span := tracing.GetTracer("receiver").Start(c.Request.Context(), "receiver.receive")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.provider", provider.String()))
	ctx = logging.WithProvider(ctx, provider.String())

	var status string
	resp, err := h.receive(ctx, c, provider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(pkgerrors.ToHTTPStatus(err), pkgerrors.ToErrorResponse(err))
		status = statusLabel(err)
	} else {
		c.JSON(http.StatusOK, resp)
		status = resp.Status
	}
	metrics.ObserveReceive(provider.String(), status, time.Since(start))
}

func (h *Handler) receive(ctx context.Context, c *gin.Context, provider signature.Provider) (*Response, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, pkgerrors.ErrPayloadMalformed.WithMessage("payload exceeds maximum size")
		}
		return nil, pkgerrors.ErrPayloadMalformed.WithMessage("failed to read body").WithCause(err)
	}

	if provider == signature.Unknown {
		return nil, h.reject(ctx, provider, body, pkgerrors.ErrUnknownProvider)
	}
	secret := ""
	if h.opts.Secrets != nil {
		secret = h.opts.Secrets(provider.String())
	}
	if err := h.verifier.Verify(provider, body, c.GetHeader(provider.Header()), secret); err != nil {
		return nil, h.reject(ctx, provider, body, err)
	}

	env, err := Decode(provider, c.Request.Header, body)
	if err != nil {
		h.logger.WarnwCtx(ctx, "Malformed webhook payload", "error", err)
		return nil, err
	}

	adm, err := h.admission.Admit(ctx, deduplication.Incoming{
		Provider:        provider.String(),
		EventID:         env.EventID,
		EventType:       env.EventType,
		Payload:         body,
		IdempotencyKeys: env.IdempotencyKeys,
	})
	if err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to admit webhook", "provider_event_id", env.EventID, "error", err)
		if pkgerrors.IsServiceUnavailable(err) {
			return nil, err
		}
		return nil, pkgerrors.ErrServiceUnavailable.WithCause(err)
	}

	ev := adm.Event
	ctx = logging.WithEventID(ctx, ev.ID)
	if adm.Duplicate {
		return &Response{Status: StatusDuplicate, ID: ev.ID, Result: ev.Result}, nil
	}

	h.logger.InfowCtx(ctx, "Webhook accepted",
		"provider_event_id", env.EventID,
		"event_type", env.EventType,
		"mode", h.opts.Mode,
	)
	return &Response{Status: StatusAccepted, ID: ev.ID, Result: h.dispatch(ctx, ev.ID)}, nil
}

// dispatch runs or queues the first attempt and returns the event's result as far as it is known.
// The delivery is acknowledged either way: a stored event is never lost to a failed hand-off.
func (h *Handler) dispatch(ctx context.Context, id string) eventstore.Result {
	if h.opts.Mode == constants.ProcessingModeAsync && h.submitter != nil {
		if !h.submitter.Submit(id) {
			h.logger.WarnwCtx(ctx, "Processing queue full, leaving event for the scheduler")
		}
		return eventstore.ResultPending
	}

	out, err := h.processor.Process(context.WithoutCancel(ctx), id)
	if err != nil {
		h.logger.ErrorwCtx(ctx, "First processing attempt failed", "error", err)
		return eventstore.ResultPending
	}
	switch out.Kind {
	case processing.OutcomeOK:
		return eventstore.ResultOK
	case processing.OutcomeTransient, processing.OutcomePermanent:
		return eventstore.ResultError
	}
	return eventstore.ResultPending
}

// reject logs a security rejection. Only the payload hash is recorded, never the body.
func (h *Handler) reject(ctx context.Context, provider signature.Provider, body []byte, err error) error {
	metrics.SignatureFailuresTotal.WithLabelValues(provider.String()).Inc()
	h.logger.WarnwCtx(ctx, "Webhook rejected: signature verification failed",
		"payload_hash", deduplication.PayloadHash(body),
		"payload_bytes", len(body),
		"reason", err,
	)
	return err
}

func statusLabel(err error) string {
	var appErr *pkgerrors.Error
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case pkgerrors.ErrSignatureInvalid.Code, pkgerrors.ErrUnknownProvider.Code:
			return "rejected"
		case pkgerrors.ErrPayloadMalformed.Code:
			return "malformed"
		case pkgerrors.ErrServiceUnavailable.Code:
			return "unavailable"
		}
	}
	return "error"
}
