package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/accgate/accgate/internal/models"
	"github.com/accgate/accgate/internal/pricing"
	"github.com/accgate/accgate/internal/providers"
	"github.com/accgate/accgate/internal/services/budget"
	"github.com/accgate/accgate/internal/services/credential"
	"github.com/accgate/accgate/internal/services/ratelimit"
	"github.com/accgate/accgate/internal/services/routing"
	"github.com/accgate/accgate/internal/services/security"
	"github.com/accgate/accgate/internal/usage"
)

const maxBodyBytes = 10 << 20

// throttlePenaltySlots is how many rate-limit window slots a throttle action
// burns; the caller degrades instead of being cut off outright.
const throttlePenaltySlots = 25

// UsageAppender accepts terminal usage records. Satisfied by usagelog.Logger.
type UsageAppender interface {
	Append(record *models.UsageRecord)
}

type Config struct {
	Credentials       *credential.Store
	Limiter           *ratelimit.Limiter
	Budgets           *budget.Engine
	Router            *routing.Router
	Security          *security.Engine
	Providers         *providers.Registry
	Pricing           *pricing.Table
	Estimator         pricing.Estimator
	UsageLog          UsageAppender
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	Logger            *zap.Logger
}

// Pipeline is the per-request state machine: authenticate, rate-check, scan,
// evaluate budgets, route, dispatch, account, settle, log. Every terminal
// state emits exactly one UsageRecord.
type Pipeline struct {
	Credentials       *credential.Store
	Limiter           *ratelimit.Limiter
	Budgets           *budget.Engine
	Router            *routing.Router
	Security          *security.Engine
	Providers         *providers.Registry
	Pricing           *pricing.Table
	Estimator         pricing.Estimator
	UsageLog          UsageAppender
	StreamIdleTimeout time.Duration

	bufferedClient *http.Client
	streamClient   *http.Client
	logger         *zap.Logger
}

func NewPipeline(cfg *Config) *Pipeline {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 120 * time.Second
	}
	idle := cfg.StreamIdleTimeout
	if idle == 0 {
		idle = 60 * time.Second
	}

	return &Pipeline{
		Credentials:       cfg.Credentials,
		Limiter:           cfg.Limiter,
		Budgets:           cfg.Budgets,
		Router:            cfg.Router,
		Security:          cfg.Security,
		Providers:         cfg.Providers,
		Pricing:           cfg.Pricing,
		Estimator:         cfg.Estimator,
		UsageLog:          cfg.UsageLog,
		StreamIdleTimeout: idle,

		bufferedClient: &http.Client{Timeout: requestTimeout},
		// Streaming has no overall deadline; the pump enforces idle timeout.
		streamClient: &http.Client{},
		logger:       cfg.Logger.Named("proxy"),
	}
}

// requestState carries per-request accounting through the phases.
type requestState struct {
	requestID string
	start     time.Time
	endpoint  string
	identity  *credential.Identity
	parsed    *providers.ParsedRequest
	remaining int64

	provider       *providers.Provider
	requestedModel string
	effectiveModel string
	streaming      bool

	routeRuleID      uuid.UUID
	preRouteProvider string
	preRouteModel    string
}

// ServeHTTP runs the full pipeline for one proxy request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &requestState{
		requestID: middleware.GetReqID(r.Context()),
		start:     time.Now(),
		endpoint:  r.URL.Path,
	}
	if st.requestID == "" {
		st.requestID = uuid.NewString()
	}

	// Authentication.
	identity, err := p.Credentials.Authenticate(r.Context(), extractSecret(r))
	if err != nil {
		if errors.Is(err, credential.ErrAuthUnavailable) {
			WriteError(w, KindAuthUnavailable, "authentication backend unavailable", "", st.requestID)
			return
		}
		WriteError(w, KindUnauthenticated, "missing or invalid API key", "", st.requestID)
		return
	}
	st.identity = identity

	// Rate limit. A nil limiter means admission control is disabled.
	allowed, remaining := true, int64(0)
	if p.Limiter != nil {
		allowed, remaining = p.Limiter.Allow(r.Context(), identity.Fingerprint)
	}
	st.remaining = remaining
	if !allowed {
		w.Header().Set("x-ratelimit-remaining", "0")
		WriteError(w, KindRateLimited, "rate limit exceeded", "", st.requestID)
		p.emitRecord(st, http.StatusTooManyRequests, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "rate_limited")
		return
	}

	// Body parse.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, KindBadRequest, "failed to read request body", "", st.requestID)
		p.emitRecord(st, http.StatusBadRequest, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "bad_request")
		return
	}
	parsed, err := providers.ParseRequest(body)
	if err != nil {
		WriteError(w, KindBadRequest, err.Error(), "", st.requestID)
		p.emitRecord(st, http.StatusBadRequest, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "bad_request")
		return
	}
	st.parsed = parsed
	st.requestedModel = parsed.Model
	st.effectiveModel = parsed.Model
	st.streaming = parsed.Stream

	provider, ok := p.Providers.ForPath(r.URL.Path)
	if !ok {
		WriteError(w, KindBadRequest, "no upstream provider for this path", "", st.requestID)
		p.emitRecord(st, http.StatusBadRequest, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "bad_request")
		return
	}
	st.provider = provider

	// Request-path security scan.
	event := security.Event{
		RequestID: st.requestID,
		TenantID:  identity.TenantID,
		AgentID:   parsed.AgentID,
		Direction: models.DirectionRequest,
		Contents:  parsed.Contents,
		ToolNames: parsed.ToolNames,
	}
	scan := p.Security.ScanRequest(r.Context(), &event)
	if scan.Action.Blocking() {
		WriteError(w, KindSecurityBlocked, "request blocked: "+scan.TriggeringType, "", st.requestID)
		p.emitRecord(st, http.StatusForbidden, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "security_blocked:"+scan.TriggeringType)
		return
	}
	if scan.Action == security.ActionThrottle {
		p.applyThrottle(r.Context(), identity.Fingerprint, st.requestID, scan.TriggeringType)
	}
	p.Security.SubmitAsync(&event)

	// Budget pre-check against the estimated cost.
	estimatorInput := parsed.Contents
	if parsed.System != "" {
		estimatorInput = append([]string{parsed.System}, parsed.Contents...)
	}
	estimatedTokens := p.Estimator.EstimateTokens(provider.Name, parsed.Model, estimatorInput)
	estimatedCost := p.Pricing.Cost(provider.Name, parsed.Model, pricing.Usage{InputTokens: estimatedTokens}).Total

	budgetReq := budget.Request{
		TenantID:      identity.TenantID,
		AgentID:       parsed.AgentID,
		Provider:      provider.Name,
		Model:         parsed.Model,
		EstimatedCost: estimatedCost,
	}
	decision := p.Budgets.Evaluate(r.Context(), budgetReq)
	switch decision.Action {
	case budget.ActionBlock:
		WriteError(w, KindBudgetExceeded, "budget limit reached", decision.BudgetName, st.requestID)
		p.emitRecord(st, http.StatusForbidden, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "budget_exceeded")
		return
	case budget.ActionDowngrade:
		st.effectiveModel = decision.DowngradeModel
		p.logger.Info("model downgraded by budget",
			zap.String("request_id", st.requestID),
			zap.String("budget", decision.BudgetName),
			zap.String("from", st.requestedModel),
			zap.String("to", st.effectiveModel))
	}

	// Routing. Rules whose target (and fallback) providers are unconfigured
	// are skipped inside Route, so a routed result is always dispatchable.
	route := p.Router.Route(r.Context(), identity.TenantID, routing.Input{
		Provider:      provider.Name,
		Model:         st.effectiveModel,
		MessageCount:  parsed.MessageCount,
		Contents:      parsed.Contents,
		TokenEstimate: estimatedTokens,
		AgentID:       parsed.AgentID,
		Now:           time.Now(),
		Available: func(name string) bool {
			_, ok := p.Providers.ByName(name)
			return ok
		},
	})
	if route.Routed {
		if routed, ok := p.Providers.ByName(route.TargetProvider); ok {
			st.preRouteProvider = st.provider.Name
			st.preRouteModel = st.effectiveModel
			st.provider = routed
			st.effectiveModel = route.TargetModel
			st.routeRuleID = route.RuleID
		}
	}

	// Rewrite the body only when the model actually changed.
	upstreamBody := body
	if st.effectiveModel != st.requestedModel {
		rewritten, err := providers.RewriteModel(body, st.effectiveModel)
		if err != nil {
			WriteError(w, KindInternal, "failed to prepare upstream request", "", st.requestID)
			p.emitRecord(st, http.StatusInternalServerError, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "internal_error")
			return
		}
		upstreamBody = rewritten
	}

	if st.streaming {
		p.dispatchStreaming(w, r, st, upstreamBody, budgetReq, event)
		return
	}
	p.dispatchBuffered(w, r, st, upstreamBody, budgetReq, event)
}

// dispatchBuffered forwards the request, consumes the full upstream body,
// runs response detectors over it, and relays it with cost headers.
func (p *Pipeline) dispatchBuffered(w http.ResponseWriter, r *http.Request, st *requestState, body []byte, budgetReq budget.Request, event security.Event) {
	resp, kind, err := p.dispatch(r, st, body, p.bufferedClient)
	if err != nil {
		WriteError(w, kind, err.Error(), "", st.requestID)
		p.emitRecord(st, kind.Status(), pricing.Usage{}, decimal.Zero, pricing.SourceTable, string(kind))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		WriteError(w, KindUpstreamError, "failed to read upstream response", "", st.requestID)
		p.emitRecord(st, http.StatusBadGateway, pricing.Usage{}, decimal.Zero, pricing.SourceTable, "upstream_error")
		return
	}

	// Cost is computed from whatever usage fields are present, even on
	// relayed upstream 4xx.
	u, _ := usage.FromBuffered(st.provider.Name, respBody)
	breakdown := p.Pricing.Cost(st.provider.Name, st.effectiveModel, u)
	cost := breakdown.Total
	if resp.StatusCode >= 500 {
		u = pricing.Usage{}
		cost = decimal.Zero
	}

	if resp.StatusCode < 300 {
		respEvent := event
		respEvent.Direction = models.DirectionResponse
		respEvent.Payload = respBody
		respEvent.ResponseBytes = int64(len(respBody))

		scan := p.Security.ScanResponseChunk(r.Context(), &respEvent)
		switch {
		case scan.Action.Blocking():
			// The upstream already ran; tokens are billed even though the
			// body never reaches the client.
			p.settle(st, budgetReq, cost)
			p.recordSavings(st, u, cost)
			WriteError(w, KindSecurityBlocked, "response blocked: "+scan.TriggeringType, "", st.requestID)
			p.emitRecordWithSource(st, http.StatusForbidden, u, cost, breakdown.PricingSource, "security_blocked:"+scan.TriggeringType)
			return
		case scan.Action == security.ActionRedact && scan.RedactedPayload != nil:
			respBody = scan.RedactedPayload
		case scan.Action == security.ActionThrottle:
			p.applyThrottle(r.Context(), st.identity.Fingerprint, st.requestID, scan.TriggeringType)
		}
		p.Security.SubmitAsync(&respEvent)
	}

	p.settle(st, budgetReq, cost)
	p.recordSavings(st, u, cost)

	copyHeaders(w.Header(), resp.Header)
	if resp.StatusCode < 300 {
		w.Header().Set("x-acc-cost", cost.StringFixed(6))
		w.Header().Set("x-acc-tokens", strconv.Itoa(u.TotalTokens()))
		w.Header().Set("x-acc-model", st.effectiveModel)
		w.Header().Set("x-ratelimit-remaining", strconv.FormatInt(st.remaining, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		p.logger.Debug("client write failed", zap.String("request_id", st.requestID), zap.Error(err))
	}

	var errText string
	if resp.StatusCode >= 400 {
		errText = fmt.Sprintf("upstream status %d", resp.StatusCode)
	}
	p.emitRecordWithSource(st, resp.StatusCode, u, cost, breakdown.PricingSource, errText)
}

// dispatchStreaming forwards the request and pumps the SSE relay.
func (p *Pipeline) dispatchStreaming(w http.ResponseWriter, r *http.Request, st *requestState, body []byte, budgetReq budget.Request, event security.Event) {
	resp, kind, err := p.dispatch(r, st, body, p.streamClient)
	if err != nil {
		WriteError(w, kind, err.Error(), "", st.requestID)
		p.emitRecord(st, kind.Status(), pricing.Usage{}, decimal.Zero, pricing.SourceTable, string(kind))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(respBody)

		u := pricing.Usage{}
		cost := decimal.Zero
		if resp.StatusCode < 500 {
			u, _ = usage.FromBuffered(st.provider.Name, respBody)
			cost = p.Pricing.Cost(st.provider.Name, st.effectiveModel, u).Total
			p.settle(st, budgetReq, cost)
		}
		p.emitRecord(st, resp.StatusCode, u, cost, pricing.SourceTable, fmt.Sprintf("upstream status %d", resp.StatusCode))
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("x-acc-model", st.effectiveModel)
	w.Header().Set("x-ratelimit-remaining", strconv.FormatInt(st.remaining, 10))
	w.WriteHeader(resp.StatusCode)

	result := p.pump(r.Context(), w, resp.Body, pumpContext{
		requestID:   st.requestID,
		provider:    st.provider.Name,
		fingerprint: st.identity.Fingerprint,
		event:       event,
	})

	breakdown := p.Pricing.Cost(st.provider.Name, st.effectiveModel, result.Usage)
	p.settle(st, budgetReq, breakdown.Total)
	p.recordSavings(st, result.Usage, breakdown.Total)

	status := resp.StatusCode
	errText := ""
	if result.Killed {
		status = 499
		errText = "stream killed: " + result.KillReason
	}
	p.emitRecordWithSource(st, status, result.Usage, breakdown.Total, breakdown.PricingSource, errText)
}

// dispatch builds and sends the upstream request, mapping transport failures
// to error kinds.
func (p *Pipeline) dispatch(r *http.Request, st *requestState, body []byte, client *http.Client) (*http.Response, ErrorKind, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, st.provider.UpstreamURL(r.URL.Path), bytes.NewReader(body))
	if err != nil {
		return nil, KindInternal, fmt.Errorf("failed to build upstream request: %w", err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Del("Accept-Encoding")
	st.provider.ApplyAuth(req)

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, KindUpstreamTimeout, fmt.Errorf("upstream request timed out")
		}
		return nil, KindUpstreamError, fmt.Errorf("upstream request failed")
	}
	return resp, "", nil
}

// settle debits matching budgets; failures go to the retry queue instead of
// failing the request.
func (p *Pipeline) settle(st *requestState, budgetReq budget.Request, cost decimal.Decimal) {
	if cost.IsZero() {
		return
	}
	budgetReq.Model = st.effectiveModel
	budgetReq.Provider = st.provider.Name

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Budgets.Settle(ctx, st.requestID, budgetReq, cost); err != nil {
		p.logger.Error("settlement failed, queueing retry",
			zap.String("request_id", st.requestID), zap.Error(err))
		if err := p.Budgets.EnqueueRetry(ctx, budget.PendingSettlement{
			RequestID: st.requestID,
			Request:   budgetReq,
			Cost:      cost,
		}); err != nil {
			p.logger.Error("settlement retry enqueue failed",
				zap.String("request_id", st.requestID), zap.Error(err))
		}
	}
}

// applyThrottle burns window slots for the caller when a detector resolves to
// throttle. With rate limiting disabled the action degrades to a log line.
func (p *Pipeline) applyThrottle(ctx context.Context, fingerprint, requestID, threat string) {
	p.logger.Warn("caller throttled",
		zap.String("request_id", requestID),
		zap.String("threat", threat))
	if p.Limiter == nil {
		return
	}
	p.Limiter.Penalize(ctx, fingerprint, throttlePenaltySlots)
}

// recordSavings credits the applied routing rule with the difference between
// what the pre-route model would have cost and what was actually billed.
func (p *Pipeline) recordSavings(st *requestState, u pricing.Usage, actual decimal.Decimal) {
	if st.routeRuleID == uuid.Nil {
		return
	}
	baseline := p.Pricing.Cost(st.preRouteProvider, st.preRouteModel, u).Total
	p.Router.RecordSavings(st.routeRuleID, baseline.Sub(actual))
}

func (p *Pipeline) emitRecord(st *requestState, status int, u pricing.Usage, cost decimal.Decimal, source, errText string) {
	p.emitRecordWithSource(st, status, u, cost, source, errText)
}

// emitRecordWithSource appends the single UsageRecord for this request.
func (p *Pipeline) emitRecordWithSource(st *requestState, status int, u pricing.Usage, cost decimal.Decimal, source, errText string) {
	record := &models.UsageRecord{
		RequestID:           st.requestID,
		Timestamp:           st.start,
		Endpoint:            st.endpoint,
		RequestedModel:      st.requestedModel,
		EffectiveModel:      st.effectiveModel,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CostUSD:             cost,
		PricingSource:       source,
		UsageEstimated:      u.Estimated,
		LatencyMs:           time.Since(st.start).Milliseconds(),
		StatusCode:          status,
		Streaming:           st.streaming,
	}
	if st.identity != nil {
		record.TenantID = st.identity.TenantID
	}
	if st.provider != nil {
		record.Provider = st.provider.Name
	}
	if st.parsed != nil && st.parsed.AgentID != "" {
		agentID := st.parsed.AgentID
		record.AgentID = &agentID
	}
	if errText != "" {
		record.Error = &errText
	}
	p.UsageLog.Append(record)
}

// extractSecret pulls the API key from any of the accepted auth headers.
func extractSecret(r *http.Request) string {
	if key := r.Header.Get("x-acc-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	const bearer = "Bearer "
	if len(auth) > len(bearer) && auth[:len(bearer)] == bearer {
		return auth[len(bearer):]
	}
	return ""
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
	"Host":                true,
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
