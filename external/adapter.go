package external

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/resilience"
	"github.com/BaSui01/agentmesh/types"
)

// AdapterConfig configures one external agent bridge.
type AdapterConfig struct {
	// AgentID is the mesh-side identity of the external agent.
	AgentID string
	// Endpoint is the webhook URL messages are POSTed to.
	Endpoint string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
	// AuthType selects request authentication.
	AuthType AuthType
	// BearerToken is the static token for AuthBearer.
	BearerToken string
	// OAuth holds the client-credentials settings for AuthOAuth2.
	OAuth OAuthConfig
	// MaxAttempts bounds delivery attempts per message.
	MaxAttempts int
	// RetryDelays is the per-retry backoff schedule.
	RetryDelays []time.Duration
	// RequestsPerSecond throttles outbound calls; zero disables the limiter.
	RequestsPerSecond float64
	// RateBurst is the limiter burst size.
	RateBurst int
}

func (c *AdapterConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.AuthType == "" {
		c.AuthType = AuthNone
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = []time.Duration{
			1500 * time.Millisecond,
			2500 * time.Millisecond,
			4500 * time.Millisecond,
		}
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// Adapter delivers mesh messages to one external agent over HTTP. It
// satisfies the dispatch handler contract, so an external agent registers on
// a dispatcher like any native one.
type Adapter struct {
	config     AdapterConfig
	httpClient *http.Client
	breaker    *resilience.Breaker
	tokens     *tokenSource
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewAdapter creates an adapter whose breaker comes from the injected
// registry under the name "external:{agent_id}".
func NewAdapter(config AdapterConfig, registry *resilience.Registry, collector *metrics.Collector, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()

	httpClient := &http.Client{Timeout: config.Timeout}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.RateBurst)
	}

	a := &Adapter{
		config:     config,
		httpClient: httpClient,
		breaker:    registry.Get("external:" + config.AgentID),
		limiter:    limiter,
		logger: logger.With(
			zap.String("component", "external_adapter"),
			zap.String("agent_id", config.AgentID),
		),
		metrics: collector,
	}
	if config.AuthType == AuthOAuth2 {
		a.tokens = newTokenSource(config.OAuth, httpClient, a.logger)
	}
	return a
}

// ReceiveMessage delivers msg to the external agent and returns its reply.
// The caller never observes a transport error: when the breaker is open or
// every attempt fails, a fallback message tagged fallback=true is returned
// instead.
func (a *Adapter) ReceiveMessage(ctx context.Context, msg types.Message) (*types.Message, error) {
	if !a.breaker.CanExecute() {
		a.logger.Warn("circuit open, returning fallback without delivery",
			zap.String("message_id", msg.ID),
			zap.Duration("retry_after", a.breaker.RetryAfter()),
		)
		a.metrics.RecordExternalCall(a.config.AgentID, "circuit_open")
		return a.fallback(msg, "circuit_open"), nil
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			a.metrics.RecordExternalCall(a.config.AgentID, "cancelled")
			return a.fallback(msg, "cancelled"), nil
		}
	}

	var reply *types.Message
	policy := resilience.RetryPolicy{
		MaxAttempts: a.config.MaxAttempts,
		Delays:      a.config.RetryDelays,
		Retryable:   types.IsRetryable,
	}

	err := resilience.Retry(ctx, policy, a.logger, func() error {
		var attemptErr error
		reply, attemptErr = a.deliver(ctx, msg)
		return attemptErr
	})
	if err != nil {
		a.breaker.RecordFailure()
		a.logger.Warn("external delivery failed, returning fallback",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		a.metrics.RecordExternalCall(a.config.AgentID, "failure")
		return a.fallback(msg, "delivery_failed"), nil
	}

	a.breaker.RecordSuccess()
	a.metrics.RecordExternalCall(a.config.AgentID, "success")
	return reply, nil
}

// deliver performs one webhook POST. 5xx, timeouts and connection failures
// come back retryable; any other 4xx is terminal.
func (a *Adapter) deliver(ctx context.Context, msg types.Message) (*types.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, types.NewError(types.ErrCodeDispatch, "failed to serialize message").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewError(types.ErrCodeDispatch, "failed to build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := a.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient.
		return nil, types.NewError(types.ErrCodeTransientIO, "webhook unreachable").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, types.NewError(types.ErrCodeTransientIO,
			"webhook returned status "+resp.Status).WithRetryable(true)
	case resp.StatusCode == http.StatusUnauthorized && a.tokens != nil:
		// A stale token is refreshed on the next attempt.
		a.tokens.invalidate()
		return nil, types.NewError(types.ErrCodeTransientIO,
			"webhook rejected token").WithRetryable(true)
	case resp.StatusCode >= 400:
		return nil, types.NewError(types.ErrCodeDispatch,
			"webhook returned status "+resp.Status).WithRetryable(false)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrCodeTransientIO, "failed to read response").
			WithCause(err).WithRetryable(true)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var reply types.Message
	if err := json.Unmarshal(raw, &reply); err != nil {
		a.logger.Warn("undecodable webhook response, treating as consumed",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil, nil
	}

	a.defaultReplyFields(&reply, msg)
	return &reply, nil
}

// defaultReplyFields fills in envelope fields the external agent omitted.
func (a *Adapter) defaultReplyFields(reply *types.Message, original types.Message) {
	if reply.ID == "" {
		reply.ID = uuid.New().String()
	}
	if !reply.Type.IsValid() {
		reply.Type = types.MessageTypeSystem
	}
	if reply.SenderID == "" {
		reply.SenderID = a.config.AgentID
	}
	if reply.RecipientID == "" {
		reply.RecipientID = original.SenderID
	}
	if reply.CorrelationID == "" {
		reply.CorrelationID = original.ID
	}
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now().UTC()
	}
	if reply.Metadata == nil {
		reply.Metadata = make(map[string]any)
	}
}

// authorize attaches the configured credentials to the request.
func (a *Adapter) authorize(ctx context.Context, req *http.Request) error {
	switch a.config.AuthType {
	case AuthNone:
		return nil
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.config.BearerToken)
		return nil
	case AuthOAuth2:
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	default:
		return types.NewError(types.ErrCodeDispatch, "unknown auth type: "+string(a.config.AuthType))
	}
}

// fallback builds the substitute reply returned when the external agent
// cannot be reached.
func (a *Adapter) fallback(msg types.Message, reason string) *types.Message {
	reply := msg.Reply(types.MessageTypeSystem,
		map[string]any{"text": "external agent " + a.config.AgentID + " unavailable"},
		a.config.AgentID,
	)
	reply.Metadata["fallback"] = true
	reply.Metadata["fallback_reason"] = reason
	return &reply
}

// ConnectionTestResult is the outcome of a best-effort connectivity probe.
type ConnectionTestResult struct {
	Success   bool   `json:"success"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// TestConnection probes the webhook endpoint. It never returns an error; the
// outcome is carried in the result.
func (a *Adapter) TestConnection(ctx context.Context) ConnectionTestResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.Endpoint, nil)
	if err != nil {
		return ConnectionTestResult{Error: err.Error(), LatencyMS: time.Since(start).Milliseconds()}
	}
	if err := a.authorize(ctx, req); err != nil {
		return ConnectionTestResult{Error: err.Error(), LatencyMS: time.Since(start).Milliseconds()}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return ConnectionTestResult{Error: err.Error(), LatencyMS: time.Since(start).Milliseconds()}
	}
	defer resp.Body.Close()

	return ConnectionTestResult{
		Success:   resp.StatusCode < 500,
		Status:    resp.StatusCode,
		LatencyMS: time.Since(start).Milliseconds(),
	}
}

// Breaker exposes the adapter's circuit breaker, mainly for tests and
// health surfaces.
func (a *Adapter) Breaker() *resilience.Breaker {
	return a.breaker
}
