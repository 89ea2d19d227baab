package repairguide

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fixos/fixos-mcp/internal/config"
	"github.com/fixos/fixos-mcp/internal/telemetry"
	"github.com/fixos/fixos-mcp/internal/utils/httpclient"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
)

const (
	operationSearch   = "search"
	operationGetSteps = "get_steps"

	// maxDrainBytes is read from error bodies so the connection can be reused
	maxDrainBytes = 4096
)

// Mediator validates requests, calls the upstream API with a bounded deadline and
// classifies the outcome. It holds no per-call state and is safe for concurrent use.
type Mediator struct {
	cfg     config.Upstream
	baseURL *url.URL
	client  *http.Client
	logger  *logrus.Logger
}

// Option customises a Mediator
type Option func(*Mediator)

// WithHTTPClient replaces the default upstream HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(m *Mediator) {
		m.client = client
	}
}

// NewMediator creates a Mediator for the given upstream configuration
func NewMediator(cfg config.Upstream, logger *logrus.Logger, opts ...Option) (*Mediator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream configuration: %w", err)
	}

	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	m := &Mediator{
		cfg:     cfg,
		baseURL: baseURL,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = httpclient.NewUpstreamClient(cfg.Timeout, logger)
	}

	return m, nil
}

// Config returns the upstream configuration the Mediator was built with
func (m *Mediator) Config() config.Upstream {
	return m.cfg
}

// Search finds guides matching a device name. A 404 from upstream means no
// matches and yields an empty list. Errors are always *OperationError.
func (m *Mediator) Search(ctx context.Context, deviceName string) ([]GuideSummary, error) {
	query := norm.NFC.String(strings.TrimSpace(deviceName))
	call := m.begin(ctx, operationSearch, logrus.Fields{"device_name": telemetry.SanitiseText(query)})

	if query == "" {
		return nil, call.fail(invalidInput("device_name must be a non-empty string"))
	}

	body, status, opErr := m.fetch(call.ctx, m.searchURL(query))
	if opErr != nil {
		return nil, call.fail(opErr)
	}

	switch {
	case status == http.StatusNotFound:
		call.succeed(0, status, "No guides matched")
		return []GuideSummary{}, nil
	case !isSuccess(status):
		return nil, call.fail(httpError(status, "search"))
	}

	summaries, skipped, err := ShapeSearchResults(body)
	if err != nil {
		return nil, call.fail(malformed(err))
	}
	if skipped > 0 {
		call.entry.WithField("skipped", skipped).Warn("Skipped search results without a valid guide id")
	}

	call.succeed(len(summaries), status, "Repair guide call completed")
	return summaries, nil
}

// GetSteps fetches one guide. Unlike Search, a 404 is reported as an
// UpstreamHTTPError because the caller asked for a specific guide.
func (m *Mediator) GetSteps(ctx context.Context, guideID int64) (*RepairDetail, error) {
	call := m.begin(ctx, operationGetSteps, logrus.Fields{"guide_id": guideID})

	if guideID <= 0 {
		return nil, call.fail(invalidInput("guide_id must be a positive integer, got %d", guideID))
	}

	body, status, opErr := m.fetch(call.ctx, m.guideURL(guideID))
	if opErr != nil {
		return nil, call.fail(opErr)
	}
	if !isSuccess(status) {
		return nil, call.fail(httpError(status, fmt.Sprintf("guide %d", guideID)))
	}

	detail, err := ShapeRepairDetail(body)
	if err != nil {
		return nil, call.fail(malformed(err))
	}

	call.succeed(len(detail.Steps), status, "Repair guide call completed")
	return &detail, nil
}

func (m *Mediator) searchURL(query string) string {
	u := *m.baseURL
	u.RawPath = m.baseURL.EscapedPath() + "/suggest/" + url.PathEscape(query)
	u.Path = m.baseURL.Path + "/suggest/" + query
	q := url.Values{}
	q.Set("doctypes", "guide")
	q.Set("limit", strconv.Itoa(m.cfg.SearchLimit))
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Mediator) guideURL(guideID int64) string {
	u := *m.baseURL
	u.Path = u.Path + "/guides/" + strconv.FormatInt(guideID, 10)
	return u.String()
}

// fetch performs one GET bounded by the configured deadline.
// Non-2xx statuses are returned without a body for the caller to classify.
func (m *Mediator) fetch(ctx context.Context, target string) ([]byte, int, *OperationError) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, &OperationError{
			Kind:    KindUpstreamUnavailable,
			Message: fmt.Sprintf("failed to build upstream request: %v", err),
			cause:   err,
		}
	}
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, m.classifyTransportError(ctx, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.logger.WithError(closeErr).Debug("Failed to close upstream response body")
		}
	}()

	if !isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, resp.StatusCode, m.classifyTransportError(ctx, err)
	}
	if int64(len(body)) > m.cfg.MaxResponseBytes {
		return nil, resp.StatusCode, &OperationError{
			Kind:    KindMalformedResponse,
			Message: fmt.Sprintf("upstream response exceeds %d bytes", m.cfg.MaxResponseBytes),
		}
	}

	return body, resp.StatusCode, nil
}

func (m *Mediator) classifyTransportError(ctx context.Context, err error) *OperationError {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &OperationError{
			Kind:    KindUpstreamTimeout,
			Message: fmt.Sprintf("upstream did not respond within the %s deadline", m.cfg.Timeout),
			cause:   err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &OperationError{
			Kind:    KindUpstreamUnavailable,
			Message: "upstream request was cancelled before it completed",
			cause:   err,
		}
	}

	return &OperationError{
		Kind:    KindUpstreamUnavailable,
		Message: fmt.Sprintf("upstream is unreachable: %v", err),
		cause:   err,
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// callRecord carries the per-call log entry, span and timing between begin and completion
type callRecord struct {
	ctx       context.Context
	operation string
	entry     *logrus.Entry
	span      trace.Span
	start     time.Time
}

func (m *Mediator) begin(ctx context.Context, operation string, fields logrus.Fields) *callRecord {
	requestID := uuid.NewString()
	ctx, span := telemetry.StartUpstreamSpan(ctx, operation, requestID)

	entry := m.logger.WithFields(fields).WithFields(logrus.Fields{
		"operation":  operation,
		"request_id": requestID,
	})
	entry.Info("Repair guide call started")

	return &callRecord{
		ctx:       ctx,
		operation: operation,
		entry:     entry,
		span:      span,
		start:     time.Now(),
	}
}

func (c *callRecord) succeed(count, status int, message string) {
	elapsed := time.Since(c.start)
	c.entry.WithFields(logrus.Fields{
		"outcome":     telemetry.OutcomeOK,
		"count":       count,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	}).Info(message)

	telemetry.EndUpstreamSpan(c.span, telemetry.OutcomeOK, status, count)
	telemetry.RecordUpstreamCall(c.ctx, c.operation, telemetry.OutcomeOK, elapsed)
}

func (c *callRecord) fail(opErr *OperationError) error {
	elapsed := time.Since(c.start)
	entry := c.entry.WithFields(logrus.Fields{
		"outcome":     string(opErr.Kind),
		"duration_ms": elapsed.Milliseconds(),
	})
	if opErr.HTTPStatus != 0 {
		entry = entry.WithField("status", opErr.HTTPStatus)
	}
	if opErr.cause != nil {
		entry = entry.WithError(opErr.cause)
	}

	switch opErr.Kind {
	case KindMalformedResponse, KindUpstreamUnavailable:
		entry.Error(opErr.Message)
	case KindUpstreamTimeout, KindUpstreamHTTPError:
		entry.Warn(opErr.Message)
	default:
		entry.Info(opErr.Message)
	}

	telemetry.EndUpstreamSpan(c.span, string(opErr.Kind), opErr.HTTPStatus, 0)
	telemetry.RecordUpstreamCall(c.ctx, c.operation, string(opErr.Kind), elapsed)
	return opErr
}
