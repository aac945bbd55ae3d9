package rop

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageModel selects how a group shares its partitions.
type MessageModel int8

const (
	ModelClustering MessageModel = iota
	ModelBroadcasting
)

func (m MessageModel) String() string {
	if m == ModelBroadcasting {
		return "BROADCASTING"
	}
	return "CLUSTERING"
}

// Subscription is one group's filter on one topic. Mutated only by
// heartbeats; read by the pull pipeline.
type Subscription struct {
	Group          string
	Topic          string
	ExpressionType string
	Expression     string
	Version        int64
	Model          MessageModel

	filter Filter
}

// Filter returns the compiled filter for the subscription.
func (s *Subscription) Filter() Filter { return s.filter }

// ChannelID identifies one client connection in a group.
type ChannelID string

// NewChannelID mints a channel id.
func NewChannelID() ChannelID { return ChannelID(uuid.NewString()) }

// GroupInfo is the live state of one consumer group on this gateway.
type GroupInfo struct {
	Group         string
	Model         MessageModel
	subscriptions map[string]*Subscription
	channels      map[ChannelID]struct{}
}

// Subscription returns the group's subscription for a topic, or nil.
func (g *GroupInfo) Subscription(topic string) *Subscription {
	return g.subscriptions[topic]
}

// Groups tracks consumer groups heartbeating through this gateway. A group
// is created by its first heartbeat and dropped with its last channel;
// channel membership feeds the client-side rebalance.
type Groups struct {
	mu     sync.RWMutex
	groups map[string]*GroupInfo
	logger *zap.Logger
}

// NewGroups returns an empty registry.
func NewGroups(logger *zap.Logger) *Groups {
	return &Groups{groups: make(map[string]*GroupInfo), logger: logger}
}

// Heartbeat registers a channel and stores the heartbeat's subscriptions per
// topic, keeping a stored subscription whose version is newer; topics absent
// from the heartbeat keep their subscriptions. Unparseable expressions are
// kept with a nil filter so version staleness still resolves; pulls against
// them re-parse and fail with their own code.
func (r *Groups) Heartbeat(group string, model MessageModel, channel ChannelID, subs []*Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.groups[group]
	if info == nil {
		info = &GroupInfo{
			Group:         group,
			subscriptions: make(map[string]*Subscription),
			channels:      make(map[ChannelID]struct{}),
		}
		r.groups[group] = info
		r.logger.Info("consumer group registered", zap.String("group", group))
	}
	info.Model = model
	info.channels[channel] = struct{}{}
	for _, sub := range subs {
		prev := info.subscriptions[sub.Topic]
		if prev != nil && prev.Version > sub.Version {
			continue
		}
		sub.Group = group
		sub.Model = model
		sub.filter, _ = ParseFilter(sub.ExpressionType, sub.Expression)
		info.subscriptions[sub.Topic] = sub
	}
}

// Unregister drops a channel from a group, removing the group when the last
// channel leaves.
func (r *Groups) Unregister(group string, channel ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.groups[group]
	if info == nil {
		return
	}
	delete(info.channels, channel)
	if len(info.channels) == 0 {
		delete(r.groups, group)
		r.logger.Info("consumer group dropped", zap.String("group", group))
	}
}

// DropChannel removes a channel from every group it joined, for
// channel-inactive teardown.
func (r *Groups) DropChannel(channel ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, info := range r.groups {
		delete(info.channels, channel)
		if len(info.channels) == 0 {
			delete(r.groups, name)
		}
	}
}

// Get returns the live state for a group, or nil.
func (r *Groups) Get(group string) *GroupInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[group]
}
