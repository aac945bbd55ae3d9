package rop

import (
	"sync"

	"go.uber.org/zap"
)

// Static implementations of the external manager surfaces, for deployments
// that drive topic and group settings from configuration and for tests. A
// real installation can swap in persistent managers.

// StaticTopics is a TopicConfigs backed by a mutable map.
type StaticTopics struct {
	mu     sync.RWMutex
	topics map[string]*TopicConfig
}

// NewStaticTopics seeds a topic table.
func NewStaticTopics(topics ...*TopicConfig) *StaticTopics {
	t := &StaticTopics{topics: make(map[string]*TopicConfig)}
	for _, tc := range topics {
		t.topics[tc.Name] = tc
	}
	return t
}

func (t *StaticTopics) Get(topic string) *TopicConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.topics[topic]
}

func (t *StaticTopics) Ensure(topic string, queueNums int32, perm int) (*TopicConfig, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tc, ok := t.topics[topic]; ok {
		return tc, nil
	}
	tc := &TopicConfig{Name: topic, ReadQueueNums: queueNums, WriteQueueNums: queueNums, Perm: perm}
	t.topics[topic] = tc
	return tc, nil
}

// StaticGroups is a SubscriptionGroups backed by a map. Unknown groups can
// optionally be auto-created with defaults, the way the legacy broker's
// autoCreateSubscriptionGroup behaves.
type StaticGroups struct {
	mu         sync.RWMutex
	groups     map[string]*SubscriptionGroupConfig
	AutoCreate bool
}

// NewStaticGroups seeds a group table.
func NewStaticGroups(groups ...*SubscriptionGroupConfig) *StaticGroups {
	g := &StaticGroups{groups: make(map[string]*SubscriptionGroupConfig)}
	for _, sg := range groups {
		g.groups[sg.GroupName] = sg
	}
	return g
}

// Put inserts or replaces a group's settings.
func (g *StaticGroups) Put(sg *SubscriptionGroupConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups[sg.GroupName] = sg
}

func (g *StaticGroups) Get(group string) *SubscriptionGroupConfig {
	g.mu.RLock()
	sg := g.groups[group]
	g.mu.RUnlock()
	if sg != nil || !g.AutoCreate {
		return sg
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if sg = g.groups[group]; sg != nil {
		return sg
	}
	sg = &SubscriptionGroupConfig{
		GroupName:     group,
		ConsumeEnable: true,
		RetryMaxTimes: defaultRetryMaxTimes,
	}
	g.groups[group] = sg
	return sg
}

// LoggingOffsets is an OffsetManager that records commits in a log; offset
// durability belongs to an external manager.
type LoggingOffsets struct {
	Logger *zap.Logger
}

func (o *LoggingOffsets) Commit(clientAddr, group, topic string, queueID int32, offset int64) {
	o.Logger.Debug("offset committed",
		zap.String("client", clientAddr),
		zap.String("group", group),
		zap.String("topic", topic),
		zap.Int32("queueId", queueID),
		zap.Int64("offset", offset))
}
