// Package dispatch implements the two-pool concurrency engine (the spec's
// component C7) that binds the fingerprinter, caches, trimmer, and selector
// to one request's lifecycle: Received → Fingerprinted → {Hit → Served} |
// {Miss → Dispatched → {Stored → Served} | Failed}.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Egham-7/adaptive-proxy/internal/domain"
	"github.com/Egham-7/adaptive-proxy/internal/fingerprint"
	"github.com/Egham-7/adaptive-proxy/internal/idleflush"
	"github.com/Egham-7/adaptive-proxy/internal/memcache"
	"github.com/Egham-7/adaptive-proxy/internal/models"
	"github.com/Egham-7/adaptive-proxy/internal/selector"
	"github.com/Egham-7/adaptive-proxy/internal/store"
	"github.com/Egham-7/adaptive-proxy/internal/transport"
	"github.com/Egham-7/adaptive-proxy/internal/trim"

	"github.com/google/uuid"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Config carries every tunable the dispatch engine needs at construction
// time; it is built once from the loaded application config.
type Config struct {
	HitPoolSize           int64
	MissPoolSize          int64
	MaxConcurrentRequests int64
	CacheVersion          int
	CacheOverrideMode     bool
	ContextTrimEnabled    bool
	MaxContextTokens      int
	UpstreamTimeout       time.Duration
	Headers               map[string]string
}

// Engine is the shared, owned-by-the-runtime handle described in the
// design notes: one composite value holding the store, memory cache,
// semaphores, selector config, and feature flags, passed explicitly
// rather than stashed behind a global.
type Engine struct {
	cfg       Config
	cache     *memcache.Cache
	store     *store.Store
	flusher   *idleflush.Flusher
	transport transport.Transport
	endpoints []domain.Endpoint

	admission *semaphore.Weighted
	hitPool   *semaphore.Weighted
	missPool  *semaphore.Weighted
	sf        singleflight.Group
}

// New builds a dispatch engine. endpoints is the read-only-after-startup
// endpoint list.
func New(cfg Config, cache *memcache.Cache, st *store.Store, fl *idleflush.Flusher, tr transport.Transport, endpoints []domain.Endpoint) *Engine {
	return &Engine{
		cfg:       cfg,
		cache:     cache,
		store:     st,
		flusher:   fl,
		transport: tr,
		endpoints: endpoints,
		admission: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		hitPool:   semaphore.NewWeighted(cfg.HitPoolSize),
		missPool:  semaphore.NewWeighted(cfg.MissPoolSize),
	}
}

// ResolveEffectiveModel determines the model used for fingerprinting and
// forwarding: the override carried by the first weight-eligible endpoint
// that declares one, in config order, or the requested model if none do.
// Resolving this deterministically from static config — rather than from
// whichever endpoint a later random draw happens to choose — is what keeps
// fingerprinting itself deterministic per canonical request, per the
// testable property that equal canonical requests must fingerprint equal.
func (e *Engine) ResolveEffectiveModel(requested string) string {
	for _, ep := range e.endpoints {
		if ep.Weight > 0 && ep.Model != "" {
			return ep.Model
		}
	}
	return requested
}

// HandleChat runs one chat completion request through the full dispatch
// lifecycle and returns the response to serve, whether it was a cache hit,
// and any error.
func (e *Engine) HandleChat(ctx context.Context, req *domain.ChatCompletionRequest, enableThinking bool) (*domain.ChatCompletionResponse, bool, error) {
	requestID := uuid.NewString()

	if !e.admission.TryAcquire(1) {
		return nil, false, models.NewOverloadedError("admission semaphore exhausted")
	}
	defer e.admission.Release(1)

	effectiveModel := e.ResolveEffectiveModel(req.Model)
	fp := fingerprint.Chat(effectiveModel, req, enableThinking)
	fiberlog.Debugf("[%s] fingerprint=%s model=%s", requestID, fp.Short(), effectiveModel)

	if entry, ok := e.lookupCached(ctx, fp); ok {
		return e.serveHit(ctx, requestID, fp, entry)
	}

	return e.serveMiss(ctx, requestID, fp, req, effectiveModel)
}

// versionFilter returns the version a cache read must match. Override mode
// off: any stored version is an acceptable hit, since overrideMode=false
// never writes a second version for the same fingerprint anyway. Override
// mode on: only the configured cache_version is an acceptable hit — a row
// at any other version is reported as a miss so the miss path runs,
// selects the current endpoint, and (via store.Insert's overrideMode
// replace-or-never-downgrade rule) brings the stored row up to date.
func (e *Engine) versionFilter() int {
	if e.cfg.CacheOverrideMode {
		return e.cfg.CacheVersion
	}
	return -1
}

// lookupCached consults C3 then C2, promoting a C2 hit into C3 on read.
func (e *Engine) lookupCached(ctx context.Context, fp domain.Fingerprint) (domain.Entry, bool) {
	vf := e.versionFilter()

	if entry, ok := e.cache.Get(fp, vf); ok {
		return entry, true
	}

	q, a, err := e.store.GetByFingerprint(ctx, fp, vf)
	if err != nil {
		fiberlog.Warnf("[store] read failed for fingerprint %s: %v", fp.Short(), err)
		return domain.Entry{}, false
	}
	if q == nil || a == nil {
		return domain.Entry{}, false
	}

	entry := domain.Entry{Fingerprint: fp, Question: *q, Answer: *a, Dirty: false}
	e.cache.Put(fp, entry, false)
	return entry, true
}

func (e *Engine) serveHit(ctx context.Context, requestID string, fp domain.Fingerprint, entry domain.Entry) (*domain.ChatCompletionResponse, bool, error) {
	if err := e.hitPool.Acquire(ctx, 1); err != nil {
		return nil, false, models.NewOverloadedError("hit pool unavailable")
	}
	defer e.hitPool.Release(1)

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.BumpAccess(bgCtx, fp); err != nil {
			fiberlog.Warnf("[store] bump_access failed for %s: %v", fp.Short(), err)
		}
	}()

	var resp domain.ChatCompletionResponse
	if err := json.Unmarshal(entry.Answer.Payload, &resp); err != nil {
		return nil, false, models.NewInternalError("failed to decode cached answer", err)
	}
	fiberlog.Infof("[%s] cache hit fingerprint=%s", requestID, fp.Short())
	return &resp, true, nil
}

func (e *Engine) serveMiss(ctx context.Context, requestID string, fp domain.Fingerprint, req *domain.ChatCompletionRequest, effectiveModel string) (*domain.ChatCompletionResponse, bool, error) {
	if err := e.missPool.Acquire(ctx, 1); err != nil {
		return nil, false, models.NewOverloadedError("miss pool unavailable")
	}
	defer e.missPool.Release(1)

	// Single-flight: at most one upstream call per fingerprint in flight.
	v, err, _ := e.sf.Do(fp.String(), func() (any, error) {
		// Re-check C3/C2 after acquiring the single-flight slot: a prior
		// caller may have just finished and populated the cache.
		if entry, ok := e.lookupCached(ctx, fp); ok {
			payload, decodeErr := decodeAnswer(entry.Answer.Payload)
			if decodeErr != nil {
				return nil, models.NewInternalError("failed to decode cached answer", decodeErr)
			}
			return payload, nil
		}
		return e.dispatchUpstream(ctx, requestID, fp, req, effectiveModel)
	})
	if err != nil {
		return nil, false, err
	}

	resp := v.(*domain.ChatCompletionResponse)
	return resp, false, nil
}

func decodeAnswer(payload []byte) (*domain.ChatCompletionResponse, error) {
	var resp domain.ChatCompletionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// dispatchUpstream trims context, selects an endpoint, issues the upstream
// call (retrying without replacement on failure), and on success stores the
// result into C3 as dirty.
func (e *Engine) dispatchUpstream(ctx context.Context, requestID string, fp domain.Fingerprint, req *domain.ChatCompletionRequest, effectiveModel string) (*domain.ChatCompletionResponse, error) {
	outbound := *req
	if e.cfg.ContextTrimEnabled {
		outbound.Messages = trim.Messages(req.Messages, e.cfg.MaxContextTokens)
	}

	sel, err := selector.Select(e.endpoints)
	if err != nil {
		return nil, models.NewUpstreamFailureError("no eligible upstream endpoint", err)
	}

	var lastErr error
	for {
		resp, callErr := e.callUpstream(ctx, sel.Endpoint, &outbound, effectiveModel)
		if callErr == nil {
			e.storeAnswer(fp, req, sel.Endpoint.Version, resp)
			fiberlog.Infof("[%s] upstream call ok endpoint=%s fingerprint=%s", requestID, sel.Endpoint.URL, fp.Short())
			return resp, nil
		}
		lastErr = callErr
		fiberlog.Warnf("[%s] upstream call failed endpoint=%s: %v", requestID, sel.Endpoint.URL, callErr)

		next, nextErr := sel.Next()
		if nextErr != nil {
			break
		}
		sel = next
	}
	return nil, models.NewUpstreamFailureError("all upstream endpoints exhausted", lastErr)
}

func (e *Engine) callUpstream(ctx context.Context, ep domain.Endpoint, req *domain.ChatCompletionRequest, effectiveModel string) (*domain.ChatCompletionResponse, error) {
	body := *req
	body.Model = effectiveModel

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := ep.URL
	if len(url) > 0 && url[len(url)-1] != '/' {
		url += "/"
	}
	url += "v1/chat/completions"

	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range e.cfg.Headers {
		headers[k] = v
	}

	timeout := e.cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.transport.Do(callCtx, transport.Request{
		Method:  "POST",
		URL:     url,
		Headers: headers,
		Body:    payload,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("upstream returned an empty body")
	}

	// Generic-JSON reconstruction fallback: a non-conforming body is still
	// forwarded and cached rather than turned into a client-visible error,
	// as long as bytes were actually received. The body becomes the content
	// of a single assistant message (as a JSON string when it is not JSON).
	var cc domain.ChatCompletionResponse
	if err := json.Unmarshal(resp.Body, &cc); err != nil || len(cc.Choices) == 0 {
		content := json.RawMessage(resp.Body)
		if !json.Valid(resp.Body) {
			content, _ = json.Marshal(string(resp.Body))
		}
		cc = domain.ChatCompletionResponse{
			Choices: []domain.ChatChoice{{
				Message: domain.Message{Role: "assistant", Content: content},
			}},
		}
	}
	return &cc, nil
}

func (e *Engine) storeAnswer(fp domain.Fingerprint, req *domain.ChatCompletionRequest, version int, resp *domain.ChatCompletionResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		fiberlog.Errorf("[store] failed to marshal answer for %s: %v", fp.Short(), err)
		return
	}
	reqPayload, _ := json.Marshal(req)

	entry := domain.Entry{
		Fingerprint: fp,
		Question: domain.Question{
			Fingerprint: fp,
			Payload:     reqPayload,
			Version:     version,
			CreatedAt:   time.Now(),
		},
		Answer: domain.Answer{Payload: payload},
		Dirty:  true,
	}

	if max := e.cache.MaxItems(); max > 0 && e.cache.Size() >= max {
		// At capacity: a synchronous flush of one dirty entry keeps the
		// write from blocking indefinitely behind the idle flusher.
		e.flushOneSynchronously()
	}
	e.cache.Put(fp, entry, true)
	if e.flusher != nil {
		e.flusher.Touch()
	}
}

// flushOneSynchronously persists a single dirty entry immediately, used
// when the memory cache is at capacity and a miss-path write can't wait
// for the idle flusher's next cycle.
func (e *Engine) flushOneSynchronously() {
	batch := e.cache.DrainDirty(1)
	for _, entry := range batch {
		if err := e.store.Insert(context.Background(), entry.Question, entry.Answer.Payload, e.cfg.CacheOverrideMode); err != nil {
			fiberlog.Errorf("[dispatch] synchronous flush failed for %s: %v", entry.Fingerprint.Short(), err)
			e.cache.MarkDirtyFailed([]domain.Entry{entry})
		}
	}
}

// HandleEmbeddings runs one embeddings request through the same admission,
// cache, single-flight, and selector machinery as chat completions, keyed
// on (model, input) per the embeddings fingerprint rule.
func (e *Engine) HandleEmbeddings(ctx context.Context, req *domain.EmbeddingsRequest) (json.RawMessage, bool, error) {
	if !e.admission.TryAcquire(1) {
		return nil, false, models.NewOverloadedError("admission semaphore exhausted")
	}
	defer e.admission.Release(1)

	fp := fingerprint.Embeddings(req.Model, req.Input)

	if entry, ok := e.lookupCached(ctx, fp); ok {
		if err := e.hitPool.Acquire(ctx, 1); err != nil {
			return nil, false, models.NewOverloadedError("hit pool unavailable")
		}
		defer e.hitPool.Release(1)
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = e.store.BumpAccess(bgCtx, fp)
		}()
		return json.RawMessage(entry.Answer.Payload), true, nil
	}

	if err := e.missPool.Acquire(ctx, 1); err != nil {
		return nil, false, models.NewOverloadedError("miss pool unavailable")
	}
	defer e.missPool.Release(1)

	v, err, _ := e.sf.Do("embed:"+fp.String(), func() (any, error) {
		if entry, ok := e.lookupCached(ctx, fp); ok {
			return json.RawMessage(entry.Answer.Payload), nil
		}
		return e.dispatchEmbeddings(ctx, fp, req)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), false, nil
}

func (e *Engine) dispatchEmbeddings(ctx context.Context, fp domain.Fingerprint, req *domain.EmbeddingsRequest) (json.RawMessage, error) {
	sel, err := selector.Select(e.endpoints)
	if err != nil {
		return nil, models.NewUpstreamFailureError("no eligible upstream endpoint", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for {
		url := sel.Endpoint.URL
		if len(url) > 0 && url[len(url)-1] != '/' {
			url += "/"
		}
		url += "v1/embeddings"

		headers := map[string]string{"Content-Type": "application/json"}
		for k, v := range e.cfg.Headers {
			headers[k] = v
		}

		timeout := e.cfg.UpstreamTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, callErr := e.transport.Do(callCtx, transport.Request{
			Method: "POST", URL: url, Headers: headers, Body: body, Timeout: timeout,
		})
		cancel()

		if callErr == nil && resp.StatusCode < 400 {
			entry := domain.Entry{
				Fingerprint: fp,
				Question: domain.Question{
					Fingerprint: fp,
					Payload:     body,
					Version:     sel.Endpoint.Version,
					CreatedAt:   time.Now(),
				},
				Answer: domain.Answer{Payload: resp.Body},
				Dirty:  true,
			}
			if max := e.cache.MaxItems(); max > 0 && e.cache.Size() >= max {
				e.flushOneSynchronously()
			}
			e.cache.Put(fp, entry, true)
			if e.flusher != nil {
				e.flusher.Touch()
			}
			return json.RawMessage(resp.Body), nil
		}
		if callErr != nil {
			lastErr = callErr
		} else {
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}

		next, nextErr := sel.Next()
		if nextErr != nil {
			break
		}
		sel = next
	}
	return nil, models.NewUpstreamFailureError("all upstream endpoints exhausted", lastErr)
}
