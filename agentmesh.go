// Package agentmesh provides a top-level convenience entry point that wires
// the whole mesh from one configuration: logger, metrics, circuit breakers,
// the hybrid dispatcher, optional persistence, external agent bridges, and
// the workflow engine.
//
// Usage:
//
//	import "github.com/BaSui01/agentmesh"
//
//	cfg := config.MustLoad("config.yaml")
//	mesh, err := agentmesh.New(cfg, logger)
//	err = mesh.Start(ctx)
//	mesh.RegisterAgent("bob", handler)
//
// Individual subsystems remain importable on their own; the mesh is only
// glue.
package agentmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/config"
	"github.com/BaSui01/agentmesh/dispatch"
	"github.com/BaSui01/agentmesh/external"
	"github.com/BaSui01/agentmesh/internal/metrics"
	"github.com/BaSui01/agentmesh/resilience"
	"github.com/BaSui01/agentmesh/store"
	"github.com/BaSui01/agentmesh/types"
	"github.com/BaSui01/agentmesh/workflow"
)

// Mesh bundles one configured instance of every subsystem.
type Mesh struct {
	config     *config.Config
	logger     *zap.Logger
	collector  *metrics.Collector
	breakers   *resilience.Registry
	dispatcher *dispatch.HybridDispatcher
	workflows  *workflow.Registry
	executor   *workflow.Executor
	compiler   *workflow.Compiler
	messages   store.MessageStore
	runs       store.RunStore
}

// New assembles a mesh from the configuration. Nothing connects until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Mesh, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer, logger)
	}

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		SuccessThreshold: cfg.Resilience.SuccessThreshold,
		OnStateChange: func(name string, from, to resilience.State) {
			collector.RecordBreakerTransition(name, from.String(), to.String())
		},
	}, logger)

	distConfig := dispatch.DefaultDistributedConfig(cfg.Dispatch.RedisURL)
	distConfig.StreamPrefix = cfg.Dispatch.StreamPrefix
	distConfig.Group = cfg.Dispatch.Group
	distConfig.ConsumerName = cfg.Dispatch.ConsumerName
	if cfg.Dispatch.BlockTimeout > 0 {
		distConfig.BlockTimeout = cfg.Dispatch.BlockTimeout
	}
	if cfg.Dispatch.ClaimMinIdle > 0 {
		distConfig.ClaimMinIdle = cfg.Dispatch.ClaimMinIdle
	}
	if cfg.Dispatch.MaxRetries > 0 {
		distConfig.MaxRetries = int64(cfg.Dispatch.MaxRetries)
	}
	if cfg.Dispatch.ResponseTimeout > 0 {
		distConfig.ResponseTimeout = cfg.Dispatch.ResponseTimeout
	}

	dispatcher := dispatch.NewHybridDispatcher(
		dispatch.Mode(cfg.Dispatch.Mode), distConfig, collector, logger)

	m := &Mesh{
		config:     cfg,
		logger:     logger.With(zap.String("component", "mesh")),
		collector:  collector,
		breakers:   breakers,
		dispatcher: dispatcher,
		workflows:  workflow.NewRegistry(),
	}

	switch cfg.Store.Driver {
	case "":
		// persistence disabled
	case "memory":
		mem := store.NewMemoryStore()
		m.messages, m.runs = mem, mem
	case "sqlite":
		db, err := store.OpenSQLite(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		m.messages, m.runs = db, db
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	wfConfig := workflow.ExecutorConfig{MaxCycles: cfg.Workflow.MaxCycles}
	m.executor = workflow.NewExecutor(m.workflows, wfConfig, m.runs, collector, logger)
	m.compiler = workflow.NewCompiler(m.workflows, wfConfig, m.runs, collector, logger)

	return m, nil
}

// Start connects the dispatcher and registers every configured external
// agent.
func (m *Mesh) Start(ctx context.Context) error {
	if err := m.dispatcher.Connect(ctx); err != nil {
		return err
	}

	for _, ext := range m.config.External {
		adapter := external.NewAdapter(external.AdapterConfig{
			AgentID:           ext.AgentID,
			Endpoint:          ext.Endpoint,
			Timeout:           ext.Timeout,
			AuthType:          external.AuthType(ext.AuthType),
			BearerToken:       ext.BearerToken,
			RequestsPerSecond: ext.RequestsPerSecond,
			OAuth: external.OAuthConfig{
				TokenURL:     ext.TokenURL,
				ClientID:     ext.ClientID,
				ClientSecret: ext.ClientSecret,
				Scope:        ext.Scope,
			},
		}, m.breakers, m.collector, m.logger)

		if err := m.RegisterAgent(ext.AgentID, adapter.ReceiveMessage); err != nil {
			return err
		}
		m.logger.Info("external agent bridged",
			zap.String("agent_id", ext.AgentID),
			zap.String("endpoint", ext.Endpoint),
		)
	}

	return nil
}

// RegisterAgent binds a handler to an agent ID and starts consuming its
// stream when running distributed.
func (m *Mesh) RegisterAgent(agentID string, handler dispatch.Handler) error {
	m.dispatcher.Register(agentID, handler)
	return m.dispatcher.StartConsuming(agentID)
}

// UnregisterAgent removes an agent's handler.
func (m *Mesh) UnregisterAgent(agentID string) {
	m.dispatcher.Unregister(agentID)
}

// Send dispatches a message without waiting for a reply, persisting it first
// when a message store is configured.
func (m *Mesh) Send(ctx context.Context, msg types.Message) error {
	msg = m.normalize(msg)
	m.saveMessage(ctx, msg)
	_, err := m.dispatcher.Dispatch(ctx, msg)
	return err
}

// Request dispatches a message and waits for its correlated reply up to the
// configured response timeout.
func (m *Mesh) Request(ctx context.Context, msg types.Message) (*types.Message, error) {
	msg = m.normalize(msg)
	m.saveMessage(ctx, msg)
	reply, err := m.dispatcher.DispatchAndWait(ctx, msg, m.responseTimeout())
	if reply != nil {
		m.saveMessage(ctx, *reply)
	}
	return reply, err
}

// normalize coerces the payload toward its type's schema. A shape mismatch
// is logged and the content passed through as-is; sending never fails on
// payload shape.
func (m *Mesh) normalize(msg types.Message) types.Message {
	content, err := types.NormalizeContent(msg.Type, msg.Content)
	if err != nil {
		m.logger.Warn("payload does not match schema, passing through",
			zap.String("message_id", msg.ID),
			zap.String("message_type", msg.Type.String()),
			zap.Error(err),
		)
	}
	msg.Content = content
	return msg
}

func (m *Mesh) responseTimeout() time.Duration {
	if m.config.Dispatch.ResponseTimeout > 0 {
		return m.config.Dispatch.ResponseTimeout
	}
	return 5 * time.Second
}

func (m *Mesh) saveMessage(ctx context.Context, msg types.Message) {
	if m.messages == nil {
		return
	}
	if err := m.messages.SaveMessage(ctx, msg); err != nil {
		m.logger.Warn("failed to persist message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// RegisterWorkflowHandler binds a node handler for graph execution.
func (m *Mesh) RegisterWorkflowHandler(name string, handler workflow.NodeHandler) {
	m.workflows.RegisterHandler(name, handler)
}

// RegisterWorkflowCondition binds a router condition for graph execution.
func (m *Mesh) RegisterWorkflowCondition(name string, handler workflow.ConditionHandler) {
	m.workflows.RegisterCondition(name, handler)
}

// RunWorkflow executes a graph with the direct interpreter.
func (m *Mesh) RunWorkflow(ctx context.Context, graph *workflow.Graph, initial workflow.ExecutionState) (workflow.ExecutionState, error) {
	return m.executor.Run(ctx, graph, initial)
}

// CompileWorkflow lowers a graph for repeated runs.
func (m *Mesh) CompileWorkflow(graph *workflow.Graph) (*workflow.CompiledGraph, error) {
	return m.compiler.Compile(graph)
}

// Dispatcher exposes the underlying hybrid dispatcher.
func (m *Mesh) Dispatcher() *dispatch.HybridDispatcher { return m.dispatcher }

// Breakers exposes the circuit breaker registry.
func (m *Mesh) Breakers() *resilience.Registry { return m.breakers }

// Messages exposes the configured message store, nil when disabled.
func (m *Mesh) Messages() store.MessageStore { return m.messages }

// Runs exposes the configured run store, nil when disabled.
func (m *Mesh) Runs() store.RunStore { return m.runs }

// Close shuts the dispatcher down.
func (m *Mesh) Close() error {
	return m.dispatcher.Close()
}
