// Package dispatch implements the MessageDispatcher (spec.md component
// C6): it orchestrates account selection, request/response translation,
// the upstream call, and outcome feedback to the pool for the three
// client-facing endpoints.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"kirobridge/internal/account"
	"kirobridge/internal/config"
	"kirobridge/internal/kerr"
	"kirobridge/internal/pool"
	"kirobridge/internal/store"
	"kirobridge/internal/translate"
)

// UpstreamCaller issues the translated request against Kiro. Narrow
// interface so this package doesn't depend on transport/tls concerns.
type UpstreamCaller interface {
	Converse(ctx context.Context, acc *account.Account, accessToken string, body []byte, stream bool) (*http.Response, error)
}

// Dispatcher is the MessageDispatcher.
type Dispatcher struct {
	cfg       *config.Config
	pool      *pool.AccountPool
	upstream  UpstreamCaller
	tokenizer *translate.Tokenizer
	logs      store.Store
}

func New(cfg *config.Config, p *pool.AccountPool, up UpstreamCaller, tok *translate.Tokenizer, logs store.Store) *Dispatcher {
	return &Dispatcher{cfg: cfg, pool: p, upstream: up, tokenizer: tok, logs: logs}
}

// HandleModels serves GET /v1/models (spec.md §4.6 handle_models).
func (d *Dispatcher) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": translate.ModelCatalog()})
}

// HandleCountTokens serves POST /v1/messages/count_tokens using the local
// approximate tokenizer (spec.md §4.6 handle_count_tokens).
func (d *Dispatcher) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, d.cfg.MaxRequestBodyMB)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	var req translate.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if !translate.KnownModel(req.Model) {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "unknown model: "+req.Model)
		return
	}

	total := 0
	for _, m := range req.Messages {
		total += d.tokenizer.CountMessage(m.Role, contentAsText(m.Content))
	}
	writeJSON(w, http.StatusOK, map[string]any{"input_tokens": total})
}

// HandleMessages serves POST /v1/messages, buffered or streamed depending
// on the request's stream flag (spec.md §4.6 handle_messages algorithm).
func (d *Dispatcher) HandleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	body, err := readBody(r, d.cfg.MaxRequestBodyMB)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	var req translate.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	if err := translate.ValidateRequest(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	thinkingWanted := req.Thinking != nil && req.Thinking.Type == "enabled"
	promptEstimate := d.estimatePromptTokens(&req)

	// Sticky routing (spec.md §5): a conversation that already bound to an
	// account on an earlier turn prefers that same account on this one.
	sessionHash := translate.SessionHashFromRequest(&req)
	preferredID := ""
	if sessionHash != "" && d.logs != nil {
		if id, err := d.logs.GetStickySession(ctx, sessionHash); err == nil {
			preferredID = id
		}
	}

	// spec.md §7 retry budget: N = min(pool size, 3) dispatcher attempts.
	attempts := len(d.pool.List())
	if attempts <= 0 || attempts > d.cfg.MaxRetryAccounts {
		attempts = d.cfg.MaxRetryAccounts
	}
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return // client disconnected
		}

		lease, acquireErr := d.pool.AcquirePreferred(ctx, preferredID)
		preferredID = "" // only the first attempt honors the sticky hint
		if acquireErr != nil {
			lastErr = acquireErr
			break
		}

		accessToken, tokErr := d.pool.EnsureValidToken(ctx, lease)
		if tokErr != nil {
			lastErr = tokErr
			if kerr.Retryable(tokErr) && attempt < attempts-1 {
				continue
			}
			break
		}

		acct := lease.Account()
		upstreamBody, marshalErr := translate.MarshalUpstreamRequest(&req, acct.Snapshot().ProfileARN)
		if marshalErr != nil {
			lastErr = marshalErr
			break
		}

		callCtx := ctx
		if !req.Stream {
			// spec.md §5: non-stream calls get a tighter hard deadline than
			// the streaming default.
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.cfg.NonStreamTimeout)
			defer cancel()
		}
		resp, callErr := d.upstream.Converse(callCtx, acct, accessToken, upstreamBody, req.Stream)
		if callErr != nil {
			d.pool.Report(lease, pool.OutcomeTransientUpstream, pool.Usage{})
			lastErr = callErr
			continue
		}

		if resp.StatusCode != http.StatusOK {
			outcome := pool.OutcomeFromStatus(resp.StatusCode, false)
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			d.pool.Report(lease, outcome, pool.Usage{})
			d.logRequest(ctx, acct.ID(), req.Model, 0, 0, outcome.String(), time.Since(start))

			if outcome == pool.OutcomeClientError {
				forwardUpstreamError(w, resp.StatusCode, errBody)
				return
			}
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			if attempt < attempts-1 {
				continue
			}
			break
		}

		// Success — stream or buffer the body back to the client.
		usage, streamErr := d.respond(w, r, resp, &req, thinkingWanted, promptEstimate)
		resp.Body.Close()

		outcome := pool.OutcomeSuccess
		if streamErr != nil && errors.Is(streamErr, translate.ErrAbnormalTermination) {
			outcome = pool.OutcomeTransientUpstream
		}
		d.pool.Report(lease, outcome, pool.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})
		d.logRequest(ctx, acct.ID(), req.Model, usage.InputTokens, usage.OutputTokens, outcome.String(), time.Since(start))
		if sessionHash != "" && outcome == pool.OutcomeSuccess && d.logs != nil {
			if err := d.logs.SetStickySession(ctx, sessionHash, acct.ID(), d.cfg.StickySessionTTL); err != nil {
				slog.Debug("sticky session bind failed", "error", err)
			}
		}
		return
	}

	d.respondFailure(w, lastErr)
}

// respond drains the upstream response into either SSE events or a single
// buffered Anthropic Message, depending on req.Stream.
func (d *Dispatcher) respond(w http.ResponseWriter, r *http.Request, resp *http.Response, req *translate.MessagesRequest, thinkingWanted bool, promptEstimate int) (translate.Usage, error) {
	opts := translate.TranslateOptions{Model: req.Model, ThinkingWanted: thinkingWanted, PromptEstimate: promptEstimate}

	if !req.Stream {
		msg, err := translate.Buffer(resp.Body, opts)
		if msg == nil {
			return translate.Usage{}, err
		}
		msg.Model = req.Model
		writeJSON(w, http.StatusOK, msg)
		return msg.Usage, err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	translator := translate.NewResponseTranslator(w, flusher, opts)
	err := translator.Stream(resp.Body)
	return translator.Usage(), err
}

func (d *Dispatcher) estimatePromptTokens(req *translate.MessagesRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += d.tokenizer.CountMessage(m.Role, contentAsText(m.Content))
	}
	return total
}

func (d *Dispatcher) logRequest(ctx context.Context, accountID, model string, in, out int, status string, latency time.Duration) {
	if d.logs == nil {
		return
	}
	err := d.logs.InsertRequestLog(ctx, &store.RequestLog{
		AccountID:    accountID,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Status:       status,
		DurationMs:   latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		slog.Error("insert request log failed", "error", err)
	}
}

func (d *Dispatcher) respondFailure(w http.ResponseWriter, err error) {
	if err == nil {
		writeAnthropicError(w, http.StatusServiceUnavailable, "overloaded_error", "no accounts available")
		return
	}
	switch kerr.KindOf(err) {
	case kerr.InvalidRequest, kerr.InvalidModel, kerr.UnsupportedContent, kerr.TranslationError:
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		slog.Warn("dispatch failed after retries", "error", err)
		writeAnthropicError(w, http.StatusServiceUnavailable, "overloaded_error", "upstream unavailable")
	}
}

// --- helpers ---

func readBody(r *http.Request, maxMB int) ([]byte, error) {
	limit := int64(maxMB) << 20
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, kerr.New(kerr.InternalError, "read request body", err)
	}
	if int64(len(body)) > limit {
		return nil, kerr.New(kerr.InvalidRequest, "request body too large", nil)
	}
	return body, nil
}

func contentAsText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var buf bytes.Buffer
		for _, b := range blocks {
			buf.WriteString(b.Text)
		}
		return buf.String()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAnthropicError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": msg},
	})
}

func writeErrorFor(w http.ResponseWriter, err error) {
	if kerr.Is(err, kerr.InvalidRequest) {
		writeAnthropicError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", err.Error())
		return
	}
	writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
}

// forwardUpstreamError relays a non-retryable upstream 4xx to the client
// in the Anthropic error envelope, best-effort parsing the upstream body.
func forwardUpstreamError(w http.ResponseWriter, status int, body []byte) {
	var upstream struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &upstream)
	msg := upstream.Message
	if msg == "" {
		msg = "upstream rejected the request"
	}
	writeAnthropicError(w, status, "invalid_request_error", msg)
}
