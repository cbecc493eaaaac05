// Package capability announces what this node can do and tracks the other
// nodes on the bus.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sound/internal/bus"
	"github.com/loqalabs/loqa-sound/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectPresence = "ctrl.node.presence"

	kindAnnounce  = "announce"
	kindHeartbeat = "heartbeat"
	kindLeave     = "leave"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AttributesAsAttrs converts the attributes for span and metric use, sorted
// by key.
func (c Capability) AttributesAsAttrs() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(c.Attributes))
	for _, k := range slices.Sorted(maps.Keys(c.Attributes)) {
		attrs = append(attrs, attribute.String(k, c.Attributes[k]))
	}
	return attrs
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// presence is the single message kind exchanged on the presence subject.
// Heartbeats omit role and capabilities.
type presence struct {
	Kind         string       `json:"kind"`
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

type node struct {
	info NodeInfo
	left bool
}

type Registry struct {
	cfg     config.NodeConfig
	log     *slog.Logger
	bus     *bus.Client
	timeout time.Duration
	now     func() time.Time
	cancel  context.CancelFunc
	sub     *nats.Subscription
	done    chan struct{}

	mu    sync.RWMutex
	local []Capability
	nodes map[string]*node
}

// NewRegistry subscribes to presence messages, announces this node and
// starts the heartbeat loop.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "capability-registry")),
		bus:     busClient,
		timeout: time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		now:     time.Now,
		cancel:  cancel,
		done:    make(chan struct{}),
		local:   fromConfig(cfg.Capabilities),
		nodes:   make(map[string]*node),
	}
	if err := r.registerMetrics(otel.Meter("github.com/loqalabs/loqa-sound/capability")); err != nil {
		r.log.Warn("failed to register metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(subjectPresence, r.handlePresence)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	r.sub = sub

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	go r.heartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	return r, nil
}

// Close publishes a leave message and stops the heartbeat.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
	if _, err := r.publish(presence{Kind: kindLeave}); err != nil {
		r.log.Debug("failed to publish leave", slog.String("error", err.Error()))
	}
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Registry) heartbeat(ctx context.Context, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.publish(presence{Kind: kindHeartbeat}); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

// Advertise replaces the attributes of the named local capability, adding
// the capability when it is not configured, and re-announces the node.
func (r *Registry) Advertise(name string, attrs map[string]string) error {
	r.mu.Lock()
	i := slices.IndexFunc(r.local, func(c Capability) bool { return c.Name == name })
	if i < 0 {
		r.local = append(r.local, Capability{Name: name})
		i = len(r.local) - 1
	}
	r.local[i].Attributes = maps.Clone(attrs)
	r.mu.Unlock()
	return r.announce()
}

func (r *Registry) announce() error {
	msg, err := r.publish(presence{
		Kind:         kindAnnounce,
		Role:         r.cfg.Role,
		Capabilities: r.LocalCapabilities(),
	})
	if err != nil {
		return err
	}
	// Record ourselves directly so Healthy does not depend on the echo.
	r.apply(msg)
	return nil
}

func (r *Registry) publish(msg presence) (presence, error) {
	msg.NodeID = r.cfg.ID
	msg.Timestamp = r.now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	return msg, r.bus.Conn().Publish(subjectPresence, data)
}

func (r *Registry) handlePresence(m *nats.Msg) {
	var msg presence
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if msg.NodeID == "" {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}
	r.apply(msg)
}

func (r *Registry) apply(msg presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[msg.NodeID]
	if !ok {
		n = &node{info: NodeInfo{ID: msg.NodeID}}
		r.nodes[msg.NodeID] = n
	}
	switch msg.Kind {
	case kindLeave:
		n.left = true
		return
	case kindAnnounce:
		// Late echoes of an older announcement must not undo a newer one.
		if msg.Timestamp.Before(n.info.LastSeen) {
			return
		}
		n.info.Role = msg.Role
		n.info.Capabilities = msg.Capabilities
	}
	n.left = false
	if msg.Timestamp.After(n.info.LastSeen) {
		n.info.LastSeen = msg.Timestamp
	}
}

// snapshot copies n with health evaluated at now. Callers hold r.mu.
func (r *Registry) snapshot(n *node, now time.Time) NodeInfo {
	info := n.info
	info.Capabilities = slices.Clone(info.Capabilities)
	info.Healthy = !n.left && now.Sub(info.LastSeen) <= r.timeout
	return info
}

// Healthy reports whether this node has been seen within the heartbeat
// timeout.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[r.cfg.ID]
	return ok && r.snapshot(n, r.now()).Healthy
}

// Query returns known nodes accepted by filter, ordered by id. A nil filter
// accepts every node.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var out []NodeInfo
	for _, id := range slices.Sorted(maps.Keys(r.nodes)) {
		info := r.snapshot(r.nodes[id], now)
		if filter == nil || filter(info) {
			out = append(out, info)
		}
	}
	return out
}

// LocalCapabilities returns a copy of what this node advertises.
func (r *Registry) LocalCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, len(r.local))
	for i, c := range r.local {
		c.Attributes = maps.Clone(c.Attributes)
		out[i] = c
	}
	return out
}

func (r *Registry) registerMetrics(meter metric.Meter) error {
	known, err := meter.Int64ObservableGauge("loqa.sound.nodes", metric.WithDescription("Nodes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.sound.nodes.healthy", metric.WithDescription("Nodes seen within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var total, ok int64
		for _, n := range r.Query(nil) {
			total++
			if n.Healthy {
				ok++
			}
		}
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, known, healthy)
	return err
}

func fromConfig(source []config.NodeCapability) []Capability {
	out := make([]Capability, 0, len(source))
	for _, c := range source {
		out = append(out, Capability{Name: c.Name, Tier: c.Tier, Attributes: maps.Clone(c.Attributes)})
	}
	return out
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(n NodeInfo) bool {
		return slices.ContainsFunc(n.Capabilities, func(c Capability) bool { return c.Name == name })
	}
}

func WithTierFilter(tier string) func(NodeInfo) bool {
	return func(n NodeInfo) bool {
		return slices.ContainsFunc(n.Capabilities, func(c Capability) bool { return c.Tier == tier })
	}
}
