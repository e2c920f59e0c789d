package query

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hookvault/internal/logger"
	"hookvault/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/webhooks", h.List)
	router.GET("/webhooks/:id", h.Get)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	if errors.IsValidation(err) || errors.IsNotFound(err) {
		h.logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	} else {
		h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

// List godoc
// @Summary      List webhook events
// @Description  Paginated audit trail of received events, newest first
// @Tags         webhooks
// @Produce      json
// @Param        page    query     int     false  "Zero-based page"  default(0)
// @Param        size    query     int     false  "Page size"  default(20)
// @Param        status  query     string  false  "Result filter"  Enums(pending, ok, error)
// @Param        q       query     string  false  "Substring of event type or provider event id"
// @Param        from    query     string  false  "Received at or after (RFC3339)"
// @Param        to      query     string  false  "Received before (RFC3339)"
// @Success      200     {object}  Page
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      503     {object}  errors.ErrorResponse
// @Router       /webhooks [get]
func (h *Handler) List(c *gin.Context) {
	req, err := parseListRequest(c)
	if err != nil {
		h.handleError(c, err)
		return
	}
	page, err := h.service.List(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get godoc
// @Summary      Get a webhook event
// @Description  Full event including payload, idempotency keys and processing traces
// @Tags         webhooks
// @Produce      json
// @Param        id   path      string  true  "Event ID"
// @Success      200  {object}  Detail
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /webhooks/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func parseListRequest(c *gin.Context) (ListRequest, error) {
	req := ListRequest{Status: c.Query("status"), Q: c.Query("q")}

	var err error
	if req.Page, err = intParam(c, "page"); err != nil {
		return req, err
	}
	if req.Size, err = intParam(c, "size"); err != nil {
		return req, err
	}
	if req.From, err = timeParam(c, "from"); err != nil {
		return req, err
	}
	if req.To, err = timeParam(c, "to"); err != nil {
		return req, err
	}
	return req, nil
}

func intParam(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid(name, name+" must be an integer")
	}
	return v, nil
}

func timeParam(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, invalid(name, name+" must be an RFC3339 timestamp")
	}
	return &t, nil
}
