package repairguide

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fixos/fixos-mcp/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// upstreamStub is an httptest server that counts requests and records the last one
type upstreamStub struct {
	server *httptest.Server
	hits   atomic.Int32
	last   atomic.Pointer[http.Request]
}

func newUpstreamStub(t *testing.T, handler http.HandlerFunc) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		stub.last.Store(r.Clone(context.Background()))
		handler(w, r)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func jsonResponse(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestMediator(t *testing.T, stub *upstreamStub, tweak func(*config.Upstream)) *Mediator {
	t.Helper()
	cfg := config.DefaultUpstream()
	cfg.BaseURL = stub.server.URL + "/api/2.0"
	cfg.UserAgent = "fixos-mcp-test/1.0"
	if tweak != nil {
		tweak(&cfg)
	}

	m, err := NewMediator(cfg, testLogger(), WithHTTPClient(stub.server.Client()))
	require.NoError(t, err)
	return m
}

func requireKind(t *testing.T, err error, kind ErrorKind) *OperationError {
	t.Helper()
	require.Error(t, err)
	opErr, ok := AsOperationError(err)
	require.True(t, ok, "expected *OperationError, got %T", err)
	assert.Equal(t, kind, opErr.Kind)
	return opErr
}

func TestNewMediator_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultUpstream()
	cfg.BaseURL = "ftp://example.com"

	_, err := NewMediator(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid upstream configuration")
}

func TestSearch_ReturnsSummariesInUpstreamOrder(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, suggestFixture))
	m := newTestMediator(t, stub, func(c *config.Upstream) { c.SearchLimit = 3 })

	summaries, err := m.Search(context.Background(), "iPhone 6")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, int64(3032), summaries[0].GuideID)
	assert.Equal(t, int64(117), summaries[1].GuideID)

	req := stub.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/api/2.0/suggest/iPhone%206", req.URL.EscapedPath())
	assert.Equal(t, "guide", req.URL.Query().Get("doctypes"))
	assert.Equal(t, "3", req.URL.Query().Get("limit"))
	assert.Equal(t, "fixos-mcp-test/1.0", req.Header.Get("User-Agent"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
}

func TestSearch_EscapesPathSeparators(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, `{"results": []}`))
	m := newTestMediator(t, stub, nil)

	_, err := m.Search(context.Background(), "  AC/DC amp?  ")
	require.NoError(t, err)

	req := stub.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, "/api/2.0/suggest/AC%2FDC%20amp%3F", req.URL.EscapedPath())
}

func TestSearch_NotFoundIsEmptyResult(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusNotFound, `{"error": "not found"}`))
	m := newTestMediator(t, stub, nil)

	summaries, err := m.Search(context.Background(), "Nonexistent Gadget 9000")
	require.NoError(t, err)
	assert.NotNil(t, summaries)
	assert.Empty(t, summaries)
}

func TestSearch_ServerErrorIsHTTPError(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusInternalServerError, `{}`))
	m := newTestMediator(t, stub, nil)

	_, err := m.Search(context.Background(), "iPhone 6")
	opErr := requireKind(t, err, KindUpstreamHTTPError)
	assert.Equal(t, http.StatusInternalServerError, opErr.HTTPStatus)
}

func TestSearch_InvalidInputMakesNoRequest(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, suggestFixture))
	m := newTestMediator(t, stub, nil)

	for _, name := range []string{"", "   ", "\t\n"} {
		_, err := m.Search(context.Background(), name)
		requireKind(t, err, KindInvalidInput)
	}
	assert.Equal(t, int32(0), stub.hits.Load())
}

func TestSearch_SkipsElementsWithoutID(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, `{"results": [{"title": "orphan"}, {"guideid": 5, "title": "kept"}]}`))
	m := newTestMediator(t, stub, nil)

	summaries, err := m.Search(context.Background(), "kettle")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "kept", summaries[0].Title)
}

func TestSearch_MalformedBody(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, `<html>maintenance</html>`))
	m := newTestMediator(t, stub, nil)

	_, err := m.Search(context.Background(), "iPhone 6")
	opErr := requireKind(t, err, KindMalformedResponse)
	assert.ErrorIs(t, opErr, ErrMalformedPayload)
}

func TestSearch_OversizedBodyIsMalformed(t *testing.T) {
	body := `{"results": [{"guideid": 1, "title": "` + strings.Repeat("x", 2048) + `"}]}`
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, body))
	m := newTestMediator(t, stub, func(c *config.Upstream) { c.MaxResponseBytes = 1024 })

	_, err := m.Search(context.Background(), "iPhone 6")
	opErr := requireKind(t, err, KindMalformedResponse)
	assert.Contains(t, opErr.Message, "exceeds 1024 bytes")
}

func TestSearch_Idempotent(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, suggestFixture))
	m := newTestMediator(t, stub, nil)

	first, err := m.Search(context.Background(), "iPhone 6")
	require.NoError(t, err)
	second, err := m.Search(context.Background(), "iPhone 6")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), stub.hits.Load())
}

func TestGetSteps_ShapesGuide(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, guideFixture))
	m := newTestMediator(t, stub, nil)

	detail, err := m.GetSteps(context.Background(), 3032)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, "iPhone 6 Battery Replacement", detail.Title)
	assert.Len(t, detail.Steps, 2)

	req := stub.last.Load()
	require.NotNil(t, req)
	assert.Equal(t, "/api/2.0/guides/3032", req.URL.Path)
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
}

func TestGetSteps_NotFoundIsHTTPError(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusNotFound, `{"error": "not found"}`))
	m := newTestMediator(t, stub, nil)

	_, err := m.GetSteps(context.Background(), 999999)
	opErr := requireKind(t, err, KindUpstreamHTTPError)
	assert.Equal(t, http.StatusNotFound, opErr.HTTPStatus)
}

func TestGetSteps_MissingTitleIsMalformed(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, `{"difficulty": "Easy", "steps": []}`))
	m := newTestMediator(t, stub, nil)

	_, err := m.GetSteps(context.Background(), 12)
	requireKind(t, err, KindMalformedResponse)
}

func TestGetSteps_InvalidIDMakesNoRequest(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, guideFixture))
	m := newTestMediator(t, stub, nil)

	for _, id := range []int64{0, -1, -3032} {
		_, err := m.GetSteps(context.Background(), id)
		requireKind(t, err, KindInvalidInput)
	}
	assert.Equal(t, int32(0), stub.hits.Load())
}

func TestGetSteps_TimeoutIsBounded(t *testing.T) {
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	m := newTestMediator(t, stub, func(c *config.Upstream) { c.Timeout = 100 * time.Millisecond })

	start := time.Now()
	_, err := m.GetSteps(context.Background(), 3032)
	elapsed := time.Since(start)

	opErr := requireKind(t, err, KindUpstreamTimeout)
	assert.Contains(t, opErr.Message, "100ms")
	assert.Less(t, elapsed, 2*time.Second)
}

func TestGetSteps_CancelledContextIsUnavailable(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, guideFixture))
	m := newTestMediator(t, stub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.GetSteps(ctx, 3032)
	requireKind(t, err, KindUpstreamUnavailable)
}

func TestGetSteps_UnreachableUpstream(t *testing.T) {
	stub := newUpstreamStub(t, jsonResponse(http.StatusOK, guideFixture))
	m := newTestMediator(t, stub, nil)
	stub.server.Close()

	_, err := m.GetSteps(context.Background(), 3032)
	requireKind(t, err, KindUpstreamUnavailable)
}

func TestMediator_ConcurrentCalls(t *testing.T) {
	stub := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/suggest/") {
			jsonResponse(http.StatusOK, suggestFixture)(w, r)
			return
		}
		jsonResponse(http.StatusOK, guideFixture)(w, r)
	})
	m := newTestMediator(t, stub, nil)

	const workers = 8
	errs := make(chan error, workers*2)
	for range workers {
		go func() {
			_, err := m.Search(context.Background(), "iPhone 6")
			errs <- err
		}()
		go func() {
			_, err := m.GetSteps(context.Background(), 3032)
			errs <- err
		}()
	}

	for range workers * 2 {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, int32(workers*2), stub.hits.Load())
}
