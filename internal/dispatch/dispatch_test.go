package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/Egham-7/adaptive-proxy/internal/fingerprint"
	"github.com/Egham-7/adaptive-proxy/internal/idleflush"
	"github.com/Egham-7/adaptive-proxy/internal/memcache"
	"github.com/Egham-7/adaptive-proxy/internal/models"
	"github.com/Egham-7/adaptive-proxy/internal/store"
	"github.com/Egham-7/adaptive-proxy/internal/transport"
)

// fakeTransport counts upstream calls and returns a canned response after an
// optional delay, to exercise single-flight de-duplication.
type fakeTransport struct {
	mu       sync.Mutex
	calls    int
	delay    time.Duration
	status   int
	body     []byte
	failNFor map[string]int // URL -> number of failures to return before succeeding
}

func (f *fakeTransport) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.calls++
	remaining := f.failNFor[req.URL]
	if remaining > 0 {
		f.failNFor[req.URL] = remaining - 1
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if remaining > 0 {
		return &transport.Response{StatusCode: 500, Body: []byte("upstream error")}, nil
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return &transport.Response{StatusCode: status, Body: f.body}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestEngine(t *testing.T, tr transport.Transport, endpoints []domain.Endpoint) (*Engine, *store.Store, *memcache.Cache) {
	t.Helper()
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cache := memcache.New(100)
	fl := idleflush.New(idleflush.Config{Enabled: false}, cache, st)

	cfg := Config{
		HitPoolSize:           8,
		MissPoolSize:          8,
		MaxConcurrentRequests: 64,
		CacheVersion:          0,
		UpstreamTimeout:       time.Second,
	}
	e := New(cfg, cache, st, fl, tr, endpoints)
	return e, st, cache
}

func chatResponseBody(content string) []byte {
	resp := domain.ChatCompletionResponse{
		Choices: []domain.ChatChoice{{
			Message: domain.Message{Role: "assistant", Content: json.RawMessage(`"` + content + `"`)},
		}},
	}
	b, _ := json.Marshal(resp)
	return b
}

func chatReq(msg string) *domain.ChatCompletionRequest {
	return &domain.ChatCompletionRequest{
		Model: "gpt-4",
		Messages: []domain.Message{
			{Role: "user", Content: json.RawMessage(`"` + msg + `"`)},
		},
	}
}

func TestHandleChatColdMissCreatesCacheEntry(t *testing.T) {
	tr := &fakeTransport{body: chatResponseBody("hello")}
	endpoints := []domain.Endpoint{{URL: "http://upstream-a", Weight: 1}}
	e, _, cache := newTestEngine(t, tr, endpoints)

	resp, hit, err := e.HandleChat(context.Background(), chatReq("hi"), false)
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if hit {
		t.Fatalf("expected a cold miss, got a hit")
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("expected a choice in the response")
	}
	if cache.Size() != 1 {
		t.Fatalf("expected one entry cached, got %d", cache.Size())
	}
	if tr.callCount() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", tr.callCount())
	}
}

func TestHandleChatRepeatedRequestIsCacheHit(t *testing.T) {
	tr := &fakeTransport{body: chatResponseBody("hello")}
	endpoints := []domain.Endpoint{{URL: "http://upstream-a", Weight: 1}}
	e, _, _ := newTestEngine(t, tr, endpoints)

	req := chatReq("same request")
	if _, _, err := e.HandleChat(context.Background(), req, false); err != nil {
		t.Fatalf("first HandleChat: %v", err)
	}
	_, hit, err := e.HandleChat(context.Background(), req, false)
	if err != nil {
		t.Fatalf("second HandleChat: %v", err)
	}
	if !hit {
		t.Fatalf("expected the second identical request to be a cache hit")
	}
	if tr.callCount() != 1 {
		t.Fatalf("expected only one upstream call across both requests, got %d", tr.callCount())
	}
}

func TestHandleChatConcurrentIdenticalRequestsSingleFlight(t *testing.T) {
	tr := &fakeTransport{body: chatResponseBody("hello"), delay: 50 * time.Millisecond}
	endpoints := []domain.Endpoint{{URL: "http://upstream-a", Weight: 1}}
	e, _, _ := newTestEngine(t, tr, endpoints)

	const n = 20
	var wg sync.WaitGroup
	var errCount atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.HandleChat(context.Background(), chatReq("concurrent"), false); err != nil {
				errCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if errCount.Load() != 0 {
		t.Fatalf("expected no errors, got %d", errCount.Load())
	}
	if got := tr.callCount(); got != 1 {
		t.Fatalf("expected single-flight to collapse %d concurrent identical requests into 1 upstream call, got %d", n, got)
	}
}

func TestHandleChatAdmissionExhaustedReturnsOverloaded(t *testing.T) {
	tr := &fakeTransport{body: chatResponseBody("hello")}
	endpoints := []domain.Endpoint{{URL: "http://upstream-a", Weight: 1}}
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cache := memcache.New(100)
	fl := idleflush.New(idleflush.Config{Enabled: false}, cache, st)
	e := New(Config{HitPoolSize: 8, MissPoolSize: 8, MaxConcurrentRequests: 0}, cache, st, fl, tr, endpoints)

	_, _, err = e.HandleChat(context.Background(), chatReq("hi"), false)
	appErr, ok := err.(*models.AppError)
	if !ok {
		t.Fatalf("expected *models.AppError, got %T (%v)", err, err)
	}
	if appErr.Type != models.ErrorTypeOverloaded {
		t.Fatalf("expected ErrorTypeOverloaded, got %v", appErr.Type)
	}
}

func TestHandleChatAllUpstreamEndpointsExhaustedReturnsUpstreamFailure(t *testing.T) {
	tr := &fakeTransport{status: 500, body: []byte("boom")}
	endpoints := []domain.Endpoint{
		{URL: "http://upstream-a", Weight: 1},
		{URL: "http://upstream-b", Weight: 1},
	}
	e, _, _ := newTestEngine(t, tr, endpoints)

	_, _, err := e.HandleChat(context.Background(), chatReq("hi"), false)
	appErr, ok := err.(*models.AppError)
	if !ok {
		t.Fatalf("expected *models.AppError, got %T (%v)", err, err)
	}
	if appErr.Type != models.ErrorTypeUpstreamFailure {
		t.Fatalf("expected ErrorTypeUpstreamFailure, got %v", appErr.Type)
	}
	if tr.callCount() != len(endpoints) {
		t.Fatalf("expected a call to every candidate endpoint, got %d calls", tr.callCount())
	}
}

func TestHandleChatFailoverToSecondEndpointOnFirstFailure(t *testing.T) {
	tr := &fakeTransport{
		body:     chatResponseBody("ok"),
		failNFor: map[string]int{"http://upstream-a/v1/chat/completions": 1},
	}
	endpoints := []domain.Endpoint{
		{URL: "http://upstream-a", Weight: 1},
		{URL: "http://upstream-b", Weight: 1},
	}
	e, _, _ := newTestEngine(t, tr, endpoints)

	resp, _, err := e.HandleChat(context.Background(), chatReq("hi"), false)
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("expected a successful response")
	}
}

func TestHandleChatGenericJSONFallbackWrapsNonConformingBody(t *testing.T) {
	tr := &fakeTransport{body: []byte(`not a json chat completion object, just raw text`)}
	endpoints := []domain.Endpoint{{URL: "http://upstream-a", Weight: 1}}
	e, _, _ := newTestEngine(t, tr, endpoints)

	resp, _, err := e.HandleChat(context.Background(), chatReq("hi"), false)
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected the fallback to synthesize exactly one choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Role != "assistant" {
		t.Fatalf("expected the fallback choice to be attributed to the assistant")
	}
}

func TestHandleEmbeddingsColdMissThenHit(t *testing.T) {
	tr := &fakeTransport{body: []byte(`{"data":[{"embedding":[0.1,0.2]}]}`)}
	endpoints := []domain.Endpoint{{URL: "http://upstream-a", Weight: 1}}
	e, _, _ := newTestEngine(t, tr, endpoints)

	req := &domain.EmbeddingsRequest{Model: "text-embedding-3", Input: json.RawMessage(`"hello"`)}

	_, hit, err := e.HandleEmbeddings(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleEmbeddings: %v", err)
	}
	if hit {
		t.Fatalf("expected a cold miss")
	}

	_, hit, err = e.HandleEmbeddings(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleEmbeddings (second): %v", err)
	}
	if !hit {
		t.Fatalf("expected the repeated request to be a cache hit")
	}
	if tr.callCount() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", tr.callCount())
	}
}

// TestHandleChatOverrideModeVersionMismatchForcesUpstreamCall reproduces the
// override-mode read-side trigger: the store holds a version-0 row for a
// fingerprint, the engine is configured for override mode at version 1, and
// a request that fingerprints the same way must miss (not be served from the
// stale version-0 row) and bring the stored row up to version 1.
func TestHandleChatOverrideModeVersionMismatchForcesUpstreamCall(t *testing.T) {
	endpoint := domain.Endpoint{URL: "http://upstream-a", Weight: 1, Version: 1}
	req := chatReq("override scenario")

	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	effectiveModel := req.Model // no endpoint model override in play
	fp := fingerprint.Chat(effectiveModel, req, false)

	seedQuestion := domain.Question{
		Fingerprint: fp,
		Payload:     []byte(`{"seed":true}`),
		Version:     0,
		CreatedAt:   time.Now(),
	}
	if err := st.Insert(context.Background(), seedQuestion, []byte(`{"seed":"v0"}`), true); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	cache := memcache.New(100)
	fl := idleflush.New(idleflush.Config{Enabled: false}, cache, st)
	tr := &fakeTransport{body: chatResponseBody("v1 answer")}
	cfg := Config{
		HitPoolSize:           8,
		MissPoolSize:          8,
		MaxConcurrentRequests: 64,
		CacheVersion:          1,
		CacheOverrideMode:     true,
		UpstreamTimeout:       time.Second,
	}
	e := New(cfg, cache, st, fl, tr, []domain.Endpoint{endpoint})

	resp, hit, err := e.HandleChat(context.Background(), req, false)
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if hit {
		t.Fatalf("expected the version-0 row to be ineligible under override mode at version 1, forcing a miss")
	}
	if len(resp.Choices) == 0 {
		t.Fatalf("expected a response from the upstream call")
	}
	if tr.callCount() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", tr.callCount())
	}

	// The miss path only marks the fresh answer dirty in C3; flush it the
	// way the idle flusher would before inspecting C2 directly.
	batch := cache.DrainDirty(10)
	if len(batch) != 1 {
		t.Fatalf("expected one dirty entry awaiting flush, got %d", len(batch))
	}
	if err := st.Insert(context.Background(), batch[0].Question, batch[0].Answer.Payload, cfg.CacheOverrideMode); err != nil {
		t.Fatalf("flush insert: %v", err)
	}

	q, a, err := st.GetByFingerprint(context.Background(), fp, -1)
	if err != nil {
		t.Fatalf("GetByFingerprint: %v", err)
	}
	if q == nil || a == nil {
		t.Fatalf("expected the fingerprint to still resolve after the replace")
	}
	if q.Version != 1 {
		t.Fatalf("expected the stored row to have been replaced at version 1, got %d", q.Version)
	}

	oldQ, oldA, err := st.GetByFingerprint(context.Background(), fp, 0)
	if err != nil {
		t.Fatalf("GetByFingerprint(version=0): %v", err)
	}
	if oldQ != nil || oldA != nil {
		t.Fatalf("expected the stale version-0 row to be gone after the replace")
	}
}

func TestResolveEffectiveModelUsesFirstWeightedOverride(t *testing.T) {
	endpoints := []domain.Endpoint{
		{URL: "http://a", Weight: 0, Model: "ignored-because-zero-weight"},
		{URL: "http://b", Weight: 1, Model: "override-model"},
		{URL: "http://c", Weight: 1, Model: "second-override"},
	}
	e, _, _ := newTestEngine(t, &fakeTransport{}, endpoints)

	if got := e.ResolveEffectiveModel("requested-model"); got != "override-model" {
		t.Fatalf("expected the first weighted override, got %q", got)
	}
}

func TestResolveEffectiveModelFallsBackToRequested(t *testing.T) {
	endpoints := []domain.Endpoint{{URL: "http://a", Weight: 1}}
	e, _, _ := newTestEngine(t, &fakeTransport{}, endpoints)

	if got := e.ResolveEffectiveModel("requested-model"); got != "requested-model" {
		t.Fatalf("expected fallback to the requested model, got %q", got)
	}
}

