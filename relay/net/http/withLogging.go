package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/outbox-relay/relay"
	constant "github.com/LerianStudio/outbox-relay/relay/constants"
	"github.com/LerianStudio/outbox-relay/relay/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const maxHeaderIDLength = 128

// RequestInfo is the access log entry of one request.
type RequestInfo struct {
	Method        string
	URI           string
	Referer       string
	RemoteAddress string
	Status        int
	Date          time.Time
	Duration      time.Duration
	UserAgent     string
	RequestID     string
	Protocol      string
	Size          int
}

// NewRequestInfo captures the request half of the access log entry.
func NewRequestInfo(c *fiber.Ctx, requestID string) *RequestInfo {
	referer := "-"
	if r := c.Get(fiber.HeaderReferer); r != "" {
		referer = r
	}

	return &RequestInfo{
		RequestID:     requestID,
		Method:        c.Method(),
		URI:           c.OriginalURL(),
		Referer:       referer,
		UserAgent:     c.Get(constant.HeaderUserAgent),
		RemoteAddress: c.IP(),
		Protocol:      c.Protocol(),
		Date:          time.Now().UTC(),
	}
}

// CLFString renders the entry in Common Log Format.
// Ref: https://httpd.apache.org/docs/trunk/logs.html#common
func (r *RequestInfo) CLFString() string {
	return strings.Join([]string{
		r.RemoteAddress,
		"-",
		"-",
		r.Protocol,
		r.Date.Format("[02/Jan/2006:15:04:05 -0700]"),
		`"` + r.Method + " " + r.URI + `"`,
		strconv.Itoa(r.Status),
		strconv.Itoa(r.Size),
		r.Referer,
		r.UserAgent,
	}, " ")
}

// String implements fmt.Stringer.
func (r *RequestInfo) String() string {
	return r.CLFString()
}

// Finish records the response half of the entry.
func (r *RequestInfo) Finish(c *fiber.Ctx) {
	r.Duration = time.Since(r.Date)
	r.Status = c.Response().StatusCode()
	r.Size = len(c.Response().Body())
}

type logMiddleware struct {
	logger    log.Logger
	skipPaths map[string]struct{}
}

// LogMiddlewareOption configures WithHTTPLogging.
type LogMiddlewareOption func(l *logMiddleware)

// WithCustomLogger sets the base logger of the middleware.
func WithCustomLogger(logger log.Logger) LogMiddlewareOption {
	return func(l *logMiddleware) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSkipPaths disables the access log for the given exact paths. The
// request id and logger are still attached.
func WithSkipPaths(paths ...string) LogMiddlewareOption {
	return func(l *logMiddleware) {
		for _, p := range paths {
			l.skipPaths[p] = struct{}{}
		}
	}
}

// WithHTTPLogging assigns a request id (reusing a sane X-Request-Id from the
// client), echoes it in the response, stores a request-scoped logger in the
// user context and writes one CLF access log line per request.
func WithHTTPLogging(opts ...LogMiddlewareOption) fiber.Handler {
	mid := &logMiddleware{
		logger:    log.NewNop(),
		skipPaths: map[string]struct{}{},
	}

	for _, opt := range opts {
		opt(mid)
	}

	return func(c *fiber.Ctx) error {
		requestID := requestHeaderID(c)
		c.Set(constant.HeaderID, requestID)

		logger := mid.logger.With(log.String("request_id", requestID))

		ctx := relay.ContextWithHeaderID(c.UserContext(), requestID)
		ctx = relay.ContextWithLogger(ctx, logger)
		c.SetUserContext(ctx)

		if _, skip := mid.skipPaths[c.Path()]; skip {
			return c.Next()
		}

		info := NewRequestInfo(c, requestID)

		err := c.Next()
		if err != nil {
			// Render now so the access log sees the final status.
			if handlerErr := c.App().ErrorHandler(c, err); handlerErr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		info.Finish(c)

		logger.Log(c.UserContext(), log.LevelInfo, info.CLFString(),
			log.Int("status", info.Status),
			log.Duration("duration", info.Duration),
		)

		return nil
	}
}

func requestHeaderID(c *fiber.Ctx) string {
	id := strings.TrimSpace(c.Get(constant.HeaderID))
	if id == "" || len(id) > maxHeaderIDLength || strings.ContainsAny(id, "\r\n") {
		return uuid.NewString()
	}

	return id
}
