package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/types"
)

// DistributedConfig holds the Redis Streams dispatcher configuration.
// Everything is a constructor parameter; there are no hidden globals.
type DistributedConfig struct {
	// RedisURL is a redis:// connection URL.
	RedisURL string
	// StreamPrefix prefixes every stream key ("{prefix}:{agent_id}").
	StreamPrefix string
	// Group is the shared consumer group name for this deployment.
	Group string
	// ConsumerName identifies this consumer within the group. Defaults to a
	// generated id; stable names let a restarted worker drain its own backlog.
	ConsumerName string
	// BlockTimeout bounds each blocking stream read so cancellation is
	// observed promptly.
	BlockTimeout time.Duration
	// ClaimMinIdle is both the autoclaim idle threshold and the reclaim
	// loop's period.
	ClaimMinIdle time.Duration
	// MaxRetries is the delivery count at which an entry moves to the DLQ.
	MaxRetries int64
	// ResponseTimeout is the default wait for DispatchAndWait.
	ResponseTimeout time.Duration
	// ReadCount bounds entries fetched per stream read.
	ReadCount int64
}

// DefaultDistributedConfig returns the default dispatcher configuration.
func DefaultDistributedConfig(redisURL string) DistributedConfig {
	return DistributedConfig{
		RedisURL:        redisURL,
		StreamPrefix:    "agentmesh",
		Group:           "agentmesh-workers",
		ConsumerName:    "consumer-" + uuid.New().String()[:8],
		BlockTimeout:    2 * time.Second,
		ClaimMinIdle:    30 * time.Second,
		MaxRetries:      3,
		ResponseTimeout: 5 * time.Second,
		ReadCount:       10,
	}
}

func (c *DistributedConfig) applyDefaults() {
	if c.StreamPrefix == "" {
		c.StreamPrefix = "agentmesh"
	}
	if c.Group == "" {
		c.Group = "agentmesh-workers"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "consumer-" + uuid.New().String()[:8]
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 10
	}
}

// DistributedDispatcher routes messages through Redis Streams: one stream per
// agent id, one shared consumer group, one dead-letter stream per agent and a
// shared response stream for request/response correlation.
//
// Delivery is at-least-once per entry. Within one agent's stream, entries
// reach a consumer in append order; there is no ordering guarantee across
// agents.
type DistributedDispatcher struct {
	client  *redis.Client
	config  DistributedConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan types.Message

	runCtx    context.Context
	runCancel context.CancelFunc
	group     *errgroup.Group

	listenerOnce sync.Once
	stopOnce     sync.Once
}

// NewDistributedDispatcher connects to Redis and returns a dispatcher.
func NewDistributedDispatcher(config DistributedConfig, collector *metrics.Collector, logger *zap.Logger) (*DistributedDispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()

	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, types.NewError(types.ErrCodeTransientIO, "invalid redis url").WithCause(err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewError(types.ErrCodeTransientIO, "failed to connect to redis").
			WithCause(err).WithRetryable(true)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)

	return &DistributedDispatcher{
		client:    client,
		config:    config,
		logger:    logger.With(zap.String("component", "distributed_dispatcher")),
		metrics:   collector,
		handlers:  make(map[string]Handler),
		pending:   make(map[string]chan types.Message),
		runCtx:    runCtx,
		runCancel: runCancel,
		group:     g,
	}, nil
}

func (d *DistributedDispatcher) streamKey(agentID string) string {
	return d.config.StreamPrefix + ":" + agentID
}

func (d *DistributedDispatcher) dlqKey(agentID string) string {
	return d.config.StreamPrefix + ":dlq:" + agentID
}

func (d *DistributedDispatcher) responseKey() string {
	return d.config.StreamPrefix + ":responses"
}

// Register binds a handler to an agent id.
func (d *DistributedDispatcher) Register(agentID string, handler Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[agentID] = handler
}

// Unregister removes the handler for an agent id.
func (d *DistributedDispatcher) Unregister(agentID string) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	delete(d.handlers, agentID)
}

func (d *DistributedDispatcher) handler(agentID string) (Handler, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[agentID]
	return h, ok
}

// Dispatch serializes the message and appends it to the recipient's stream.
func (d *DistributedDispatcher) Dispatch(ctx context.Context, msg types.Message) error {
	if err := d.append(ctx, d.streamKey(msg.RecipientID), msg); err != nil {
		return err
	}
	d.metrics.RecordDispatched("distributed")
	return nil
}

// DispatchAndWait appends the message and waits for a correlated response up
// to timeout (config default when zero). The timeout is soft: it returns
// (nil, nil) rather than an error, and the pending registration is removed
// either way so nothing leaks.
func (d *DistributedDispatcher) DispatchAndWait(ctx context.Context, msg types.Message, timeout time.Duration) (*types.Message, error) {
	if timeout <= 0 {
		timeout = d.config.ResponseTimeout
	}

	ch := make(chan types.Message, 1)
	d.pendingMu.Lock()
	d.pending[msg.ID] = ch
	d.pendingMu.Unlock()

	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, msg.ID)
		d.pendingMu.Unlock()
	}()

	if err := d.Dispatch(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return &resp, nil
	case <-timer.C:
		d.logger.Debug("response wait timed out",
			zap.String("message_id", msg.ID),
			zap.Duration("timeout", timeout),
		)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *DistributedDispatcher) append(ctx context.Context, stream string, msg types.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return types.NewError(types.ErrCodeDispatch, "failed to serialize message").WithCause(err)
	}

	err = d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(raw)},
	}).Err()
	if err != nil {
		return types.NewError(types.ErrCodeTransientIO, "failed to append to stream").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

// StartConsuming begins consuming the agent's stream: it ensures the consumer
// group exists, drains this consumer's own backlog (entries claimed before a
// crash), then block-reads new entries until Stop. A shared background
// reclaimer recovers entries idle past ClaimMinIdle from any consumer in the
// group, and a shared response listener fulfills pending futures.
func (d *DistributedDispatcher) StartConsuming(agentID string) error {
	stream := d.streamKey(agentID)

	if err := d.ensureGroup(d.runCtx, stream); err != nil {
		return err
	}

	d.listenerOnce.Do(func() {
		// Resolved before the goroutine starts: once StartConsuming returns,
		// every response appended afterwards is guaranteed to be seen.
		start := d.responseStart(d.runCtx)
		d.group.Go(func() error {
			d.responseLoop(d.runCtx, start)
			return nil
		})
		d.group.Go(func() error {
			d.reclaimLoop(d.runCtx)
			return nil
		})
	})

	d.group.Go(func() error {
		d.consumeLoop(d.runCtx, agentID, stream)
		return nil
	})
	return nil
}

// ensureGroup creates the consumer group, tolerating concurrent creation.
func (d *DistributedDispatcher) ensureGroup(ctx context.Context, stream string) error {
	err := d.client.XGroupCreateMkStream(ctx, stream, d.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return types.NewError(types.ErrCodeTransientIO, "failed to create consumer group").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

func (d *DistributedDispatcher) consumeLoop(ctx context.Context, agentID, stream string) {
	d.logger.Info("consumer starting",
		zap.String("agent_id", agentID),
		zap.String("consumer", d.config.ConsumerName),
	)

	// First pass over our own pending-entry list: entries this consumer read
	// before a crash but never acknowledged.
	d.drainBacklog(ctx, agentID, stream)

	for ctx.Err() == nil {
		res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.config.Group,
			Consumer: d.config.ConsumerName,
			Streams:  []string{stream, ">"},
			Count:    d.config.ReadCount,
			Block:    d.config.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			d.logger.Warn("stream read failed",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
			case <-time.After(d.config.BlockTimeout):
			}
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				d.processEntry(ctx, agentID, stream, entry)
			}
		}
	}

	d.logger.Info("consumer stopped", zap.String("agent_id", agentID))
}

// drainBacklog reads this consumer's PEL from the start of the stream and
// reprocesses every entry found there.
func (d *DistributedDispatcher) drainBacklog(ctx context.Context, agentID, stream string) {
	for ctx.Err() == nil {
		res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.config.Group,
			Consumer: d.config.ConsumerName,
			Streams:  []string{stream, "0"},
			Count:    d.config.ReadCount,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				d.logger.Warn("backlog read failed", zap.String("agent_id", agentID), zap.Error(err))
			}
			return
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			return
		}

		d.logger.Info("draining consumer backlog",
			zap.String("agent_id", agentID),
			zap.Int("entries", len(res[0].Messages)),
		)
		for _, entry := range res[0].Messages {
			d.processEntry(ctx, agentID, stream, entry)
		}
	}
}

// reclaimLoop periodically claims entries idle past ClaimMinIdle from any
// consumer in the group, recovering work from dead workers.
func (d *DistributedDispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.ClaimMinIdle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d.handlersMu.RLock()
		agents := make([]string, 0, len(d.handlers))
		for id := range d.handlers {
			agents = append(agents, id)
		}
		d.handlersMu.RUnlock()

		for _, agentID := range agents {
			d.reclaimAgent(ctx, agentID)
		}
	}
}

func (d *DistributedDispatcher) reclaimAgent(ctx context.Context, agentID string) {
	stream := d.streamKey(agentID)
	start := "0-0"

	for ctx.Err() == nil {
		entries, next, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    d.config.Group,
			Consumer: d.config.ConsumerName,
			MinIdle:  d.config.ClaimMinIdle,
			Start:    start,
			Count:    d.config.ReadCount,
		}).Result()
		if err != nil {
			if err != redis.Nil {
				d.logger.Warn("autoclaim failed", zap.String("agent_id", agentID), zap.Error(err))
			}
			return
		}

		if len(entries) > 0 {
			d.logger.Info("reclaimed idle entries",
				zap.String("agent_id", agentID),
				zap.Int("entries", len(entries)),
			)
			d.metrics.RecordReclaimed(agentID, len(entries))
			for _, entry := range entries {
				d.processEntry(ctx, agentID, stream, entry)
			}
		}

		// "0-0" from XAUTOCLAIM means the scan wrapped around.
		if next == "0-0" || len(entries) == 0 {
			return
		}
		start = next
	}
}

// processEntry handles one stream entry end to end: decode, invoke handler,
// acknowledge on success (publishing any reply), or on failure either leave
// the entry pending for a later retry or move it to the DLQ once its delivery
// count reaches MaxRetries. Failures are fully contained here; they never
// crash the consumption loop.
func (d *DistributedDispatcher) processEntry(ctx context.Context, agentID, stream string, entry redis.XMessage) {
	raw, ok := entry.Values["data"].(string)
	if !ok {
		d.logger.Warn("entry missing data field, acknowledging",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID),
		)
		d.ack(ctx, stream, entry.ID)
		return
	}

	var msg types.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		d.logger.Warn("undecodable entry, acknowledging",
			zap.String("stream", stream),
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		d.ack(ctx, stream, entry.ID)
		d.metrics.RecordProcessed(agentID, "undecodable", 0)
		return
	}

	handler, ok := d.handler(agentID)
	if !ok {
		d.logger.Warn("no handler registered for consumed agent, acknowledging",
			zap.String("agent_id", agentID),
			zap.String("message_id", msg.ID),
		)
		d.ack(ctx, stream, entry.ID)
		return
	}

	start := time.Now()
	reply, err := handler(ctx, msg)
	elapsed := time.Since(start)

	if err != nil {
		d.metrics.RecordProcessed(agentID, "error", elapsed)
		d.handleFailure(ctx, agentID, stream, entry, raw, err)
		return
	}

	d.ack(ctx, stream, entry.ID)
	d.metrics.RecordProcessed(agentID, "ok", elapsed)

	if reply != nil {
		d.publishReply(ctx, *reply)
	}
}

// handleFailure decides between retry (leave unacknowledged, eligible for
// autoclaim) and dead-lettering once the delivery count reaches MaxRetries.
func (d *DistributedDispatcher) handleFailure(ctx context.Context, agentID, stream string, entry redis.XMessage, raw string, handlerErr error) {
	deliveries := d.deliveryCount(ctx, stream, entry.ID)

	if deliveries < d.config.MaxRetries {
		d.logger.Warn("handler failed, leaving entry pending for retry",
			zap.String("agent_id", agentID),
			zap.String("entry_id", entry.ID),
			zap.Int64("deliveries", deliveries),
			zap.Int64("max_retries", d.config.MaxRetries),
			zap.Error(handlerErr),
		)
		return
	}

	dead := map[string]any{
		"data":          raw,
		"origin_stream": stream,
		"origin_id":     entry.ID,
		"error":         handlerErr.Error(),
		"failed_at":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.dlqKey(agentID),
		Values: dead,
	}).Err(); err != nil {
		// Keep the entry pending rather than lose it.
		d.logger.Error("failed to dead-letter entry, leaving pending",
			zap.String("agent_id", agentID),
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		return
	}

	d.ack(ctx, stream, entry.ID)
	d.metrics.RecordDeadLettered(agentID)
	d.logger.Warn("entry moved to dead-letter stream",
		zap.String("agent_id", agentID),
		zap.String("entry_id", entry.ID),
		zap.Int64("deliveries", deliveries),
		zap.Error(handlerErr),
	)
}

// deliveryCount reads the entry's delivery count from the pending-entry list.
func (d *DistributedDispatcher) deliveryCount(ctx context.Context, stream, entryID string) int64 {
	pending, err := d.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  d.config.Group,
		Start:  entryID,
		End:    entryID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}

func (d *DistributedDispatcher) ack(ctx context.Context, stream, entryID string) {
	if err := d.client.XAck(ctx, stream, d.config.Group, entryID).Err(); err != nil {
		d.logger.Warn("ack failed",
			zap.String("stream", stream),
			zap.String("entry_id", entryID),
			zap.Error(err),
		)
	}
}

// publishReply appends the reply to the shared response stream and fulfills
// any local pending future waiting on its correlation id.
func (d *DistributedDispatcher) publishReply(ctx context.Context, reply types.Message) {
	if err := d.append(ctx, d.responseKey(), reply); err != nil {
		d.logger.Warn("failed to publish reply",
			zap.String("correlation_id", reply.CorrelationID),
			zap.Error(err),
		)
	}
	d.fulfill(reply)
}

// fulfill delivers a response to the local future registered under its
// correlation id, if any.
func (d *DistributedDispatcher) fulfill(reply types.Message) {
	if reply.CorrelationID == "" {
		return
	}

	d.pendingMu.Lock()
	ch, ok := d.pending[reply.CorrelationID]
	if ok {
		delete(d.pending, reply.CorrelationID)
	}
	d.pendingMu.Unlock()

	if ok {
		ch <- reply
	}
}

// responseStart resolves the concrete position the response listener begins
// after: the newest existing entry, or the stream's beginning when it does
// not exist yet. Blocking on "$" instead would re-evaluate "newest" on every
// read, silently skipping any response appended between two reads.
func (d *DistributedDispatcher) responseStart(ctx context.Context) string {
	entries, err := d.client.XRevRangeN(ctx, d.responseKey(), "+", "-", 1).Result()
	if err != nil || len(entries) == 0 {
		return "0"
	}
	return entries[0].ID
}

// responseLoop follows the shared response stream from lastID and fulfills
// local pending futures. Every process reads all responses; each only
// fulfills its own.
func (d *DistributedDispatcher) responseLoop(ctx context.Context, lastID string) {
	for ctx.Err() == nil {
		res, err := d.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{d.responseKey(), lastID},
			Count:   d.config.ReadCount,
			Block:   d.config.BlockTimeout,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				d.logger.Warn("response stream read failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(d.config.BlockTimeout):
				}
			}
			continue
		}

		for _, s := range res {
			for _, entry := range s.Messages {
				lastID = entry.ID
				raw, ok := entry.Values["data"].(string)
				if !ok {
					continue
				}
				var reply types.Message
				if err := json.Unmarshal([]byte(raw), &reply); err != nil {
					d.logger.Warn("undecodable response entry", zap.String("entry_id", entry.ID), zap.Error(err))
					continue
				}
				d.fulfill(reply)
			}
		}
	}
}

// ReprocessDLQ moves up to count of the oldest dead-letter entries back onto
// the agent's main stream and removes them from the DLQ. Returns the number
// of entries requeued.
func (d *DistributedDispatcher) ReprocessDLQ(ctx context.Context, agentID string, count int64) (int, error) {
	if count <= 0 {
		count = d.config.ReadCount
	}

	entries, err := d.client.XRangeN(ctx, d.dlqKey(agentID), "-", "+", count).Result()
	if err != nil {
		return 0, types.NewError(types.ErrCodeTransientIO, "failed to read dead-letter stream").
			WithCause(err).WithRetryable(true)
	}

	requeued := 0
	for _, entry := range entries {
		raw, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}

		if err := d.client.XAdd(ctx, &redis.XAddArgs{
			Stream: d.streamKey(agentID),
			Values: map[string]any{"data": raw},
		}).Err(); err != nil {
			return requeued, types.NewError(types.ErrCodeTransientIO, "failed to requeue dead-letter entry").
				WithCause(err).WithRetryable(true)
		}
		if err := d.client.XDel(ctx, d.dlqKey(agentID), entry.ID).Err(); err != nil {
			d.logger.Warn("failed to remove requeued entry from DLQ",
				zap.String("agent_id", agentID),
				zap.String("entry_id", entry.ID),
				zap.Error(err),
			)
		}
		requeued++
	}

	if requeued > 0 {
		d.logger.Info("requeued dead-letter entries",
			zap.String("agent_id", agentID),
			zap.Int("count", requeued),
		)
	}
	return requeued, nil
}

// StreamStats reports stream and dead-letter lengths for one agent.
type StreamStats struct {
	StreamLength int64 `json:"stream_length"`
	DLQLength    int64 `json:"dlq_length"`
}

// Stats returns per-agent stream statistics for all registered agents.
func (d *DistributedDispatcher) Stats(ctx context.Context) (map[string]StreamStats, error) {
	d.handlersMu.RLock()
	agents := make([]string, 0, len(d.handlers))
	for id := range d.handlers {
		agents = append(agents, id)
	}
	d.handlersMu.RUnlock()

	stats := make(map[string]StreamStats, len(agents))
	for _, agentID := range agents {
		length, err := d.client.XLen(ctx, d.streamKey(agentID)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		dlq, err := d.client.XLen(ctx, d.dlqKey(agentID)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		stats[agentID] = StreamStats{StreamLength: length, DLQLength: dlq}
	}
	return stats, nil
}

// Stop cooperatively stops every consumer, reclaimer and response loop and
// waits for them to settle.
func (d *DistributedDispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.runCancel()
		_ = d.group.Wait()
	})
}

// Close stops all loops and releases the Redis client.
func (d *DistributedDispatcher) Close() error {
	d.Stop()
	return d.client.Close()
}

// Client exposes the underlying Redis client for health checks.
func (d *DistributedDispatcher) Client() *redis.Client {
	return d.client
}
