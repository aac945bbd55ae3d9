package rop

import (
	"fmt"
	"strconv"
	"strings"
)

// Legacy topic prefixes and separators.
const (
	RetryPrefix = "%RETRY%"
	DLQPrefix   = "%DLQ%"

	// ScheduleTopicPrefix names the per-level delayed-delivery pseudo
	// topics; the level is appended.
	ScheduleTopicPrefix = "rmq_sys_SCHEDULE_TOPIC_"

	// SysTopicPrefix marks internal topics.
	SysTopicPrefix = "rmq_sys_"

	tenantSeparator    = "|"
	namespaceSeparator = "%"
	partitionSuffix    = "-partition-"
)

// TopicKind classifies a parsed legacy topic.
type TopicKind int8

const (
	TopicNormal TopicKind = iota
	TopicRetry
	TopicDLQ
	TopicDelay
	TopicMeta
)

// Topic is the parsed form of a legacy topic string, bound to a backend
// tenant and namespace.
type Topic struct {
	Tenant    string
	Namespace string
	Local     string
	Kind      TopicKind

	// Group is set for retry and DLQ topics.
	Group string
	// Level is set for delay pseudo topics.
	Level int
}

// TopicTranslator maps legacy topic strings to backend fully-qualified
// topics and back. The zero separators of the wire form ("|", "%") select
// tenant and namespace; omitted parts fall back to the configured defaults.
type TopicTranslator struct {
	DefaultTenant    string
	DefaultNamespace string
}

// Parse parses a legacy wire topic string.
func (t *TopicTranslator) Parse(wire string) Topic {
	topic := Topic{Tenant: t.DefaultTenant, Namespace: t.DefaultNamespace}

	if i := strings.Index(wire, tenantSeparator); i >= 0 {
		topic.Tenant = wire[:i]
		wire = wire[i+1:]
	}
	// The retry and DLQ prefixes contain the namespace separator; check
	// them before splitting on it.
	switch {
	case strings.HasPrefix(wire, RetryPrefix):
		topic.Local = wire
		topic.Kind = TopicRetry
		topic.Group = wire[len(RetryPrefix):]
		return topic
	case strings.HasPrefix(wire, DLQPrefix):
		topic.Local = wire
		topic.Kind = TopicDLQ
		topic.Group = wire[len(DLQPrefix):]
		return topic
	}
	if i := strings.Index(wire, namespaceSeparator); i >= 0 {
		topic.Namespace = wire[:i]
		wire = wire[i+1:]
	}
	topic.Local = wire
	switch {
	case strings.HasPrefix(wire, ScheduleTopicPrefix):
		topic.Kind = TopicDelay
		topic.Level, _ = strconv.Atoi(wire[len(ScheduleTopicPrefix):])
	case strings.HasPrefix(wire, SysTopicPrefix):
		topic.Kind = TopicMeta
	}
	return topic
}

// RetryTopic returns the parsed retry topic for a group.
func (t *TopicTranslator) RetryTopic(group string) Topic {
	return t.Parse(RetryPrefix + group)
}

// DLQTopic returns the parsed dead-letter topic for a group.
func (t *TopicTranslator) DLQTopic(group string) Topic {
	return t.Parse(DLQPrefix + group)
}

// DelayTopic returns the parsed delay pseudo topic for a level.
func (t *TopicTranslator) DelayTopic(level int) Topic {
	return t.Parse(ScheduleTopicPrefix + strconv.Itoa(level))
}

// FullName returns the backend fully-qualified topic family name.
func (tp Topic) FullName() string {
	return fmt.Sprintf("persistent://%s/%s/%s", tp.Tenant, tp.Namespace, tp.Local)
}

// PartitionName returns the backend name of one partition.
func (tp Topic) PartitionName(partition int32) string {
	return fmt.Sprintf("%s%s%d", tp.FullName(), partitionSuffix, partition)
}

// WireName returns the legacy wire string for the topic, with the default
// tenant and namespace elided.
func (t *TopicTranslator) WireName(tp Topic) string {
	name := tp.Local
	if tp.Kind == TopicRetry || tp.Kind == TopicDLQ {
		// Retry and DLQ names embed "%"; never prefix a namespace.
		if tp.Tenant != t.DefaultTenant {
			return tp.Tenant + tenantSeparator + name
		}
		return name
	}
	if tp.Namespace != t.DefaultNamespace {
		name = tp.Namespace + namespaceSeparator + name
	}
	if tp.Tenant != t.DefaultTenant {
		name = tp.Tenant + tenantSeparator + name
	}
	return name
}

// LocalFromBackend strips the domain, tenant, namespace, and any partition
// suffix off a backend topic name, recovering the legacy local name. The
// reverse of FullName/PartitionName; not injective on backend-only topics.
func LocalFromBackend(backendTopic string) string {
	name := backendTopic
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, partitionSuffix); i >= 0 {
		if _, err := strconv.Atoi(name[i+len(partitionSuffix):]); err == nil {
			name = name[:i]
		}
	}
	return name
}

// PartitionFromBackend extracts the partition index from a backend partition
// name, or -1 for an unpartitioned name.
func PartitionFromBackend(backendTopic string) int32 {
	i := strings.LastIndex(backendTopic, partitionSuffix)
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(backendTopic[i+len(partitionSuffix):])
	if err != nil {
		return -1
	}
	return int32(n)
}
