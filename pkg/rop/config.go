package rop

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Permission bits for brokers and topics.
const (
	PermInherit = 1 << 0
	PermWrite   = 1 << 1
	PermRead    = 1 << 2
)

// Defaults mirror the legacy broker's shipped configuration.
const (
	defaultSendTimeout       = 500 * time.Millisecond
	defaultReadTimeout       = 100 * time.Millisecond
	defaultMaxPending        = 500
	defaultBatchMaxDelay     = 100 * time.Millisecond
	defaultBatchMaxMessages  = 20
	defaultShortPollingMs    = 1000
	defaultMaxDelayLevel     = 18
	defaultSchedulePartitions = 5
	defaultDLQQueueNums      = 1
	defaultRetryMaxTimes     = 16
	defaultMaxFrameSize      = 16 * 1024 * 1024
	defaultNegCacheSize      = 4096
	defaultNegCacheTTL       = time.Second
	defaultHoldWorkers       = 4
)

// MaxTopicLength bounds legacy topic names.
const MaxTopicLength = 127

// Config is the gateway configuration. It is immutable after Validate.
type Config struct {
	// ClusterName is the legacy cluster name advertised in routes.
	ClusterName string
	// BrokerName is this gateway's legacy broker name.
	BrokerName string

	// Listeners are the legacy ingress ports.
	Listeners []int
	// ListenerPortMap maps an ingress port to the backend listener name
	// advertised to clients arriving on it, "port:listenerName" entries.
	ListenerPortMap map[int]string

	// BrokerPermission gates the whole broker (PermRead | PermWrite).
	BrokerPermission int

	// MaxDelayLevel is the highest delay level clients may request.
	MaxDelayLevel int
	// SchedulePartitions is the partition count of each delay pseudo topic.
	SchedulePartitions int

	// DLQQueueNums is the partition count of per-group dead-letter topics.
	DLQQueueNums int

	// LongPollingEnable holds empty pulls for the client-supplied timeout;
	// disabled, ShortPollingTime applies instead.
	LongPollingEnable bool
	ShortPollingTime  time.Duration

	// SendTimeout bounds a backend publish confirmation.
	SendTimeout time.Duration
	// ReadTimeout bounds one backend read.
	ReadTimeout time.Duration

	// MaxFrameSize bounds inbound command frames.
	MaxFrameSize int32

	// CommercialBaseCount scales billing stat increments.
	CommercialBaseCount int

	// DefaultTenant and DefaultNamespace back topics with no explicit
	// tenant or namespace.
	DefaultTenant    string
	DefaultNamespace string

	// OnOffsetMoved, when set, observes pulls answered with
	// PULL_OFFSET_MOVED. Reserved; the legacy event publishing stays off.
	OnOffsetMoved func(group, topic string, queueID int32, requested, moved int64)

	Logger *zap.Logger
}

// Validate applies defaults and rejects impossible configurations.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("clusterName is required")
	}
	if c.BrokerName == "" {
		c.BrokerName = c.ClusterName + "-broker"
	}
	if c.BrokerPermission == 0 {
		c.BrokerPermission = PermRead | PermWrite
	}
	if c.MaxDelayLevel <= 0 {
		c.MaxDelayLevel = defaultMaxDelayLevel
	}
	if c.SchedulePartitions <= 0 {
		c.SchedulePartitions = defaultSchedulePartitions
	}
	if c.DLQQueueNums <= 0 {
		c.DLQQueueNums = defaultDLQQueueNums
	}
	if c.ShortPollingTime <= 0 {
		c.ShortPollingTime = defaultShortPollingMs * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.CommercialBaseCount <= 0 {
		c.CommercialBaseCount = 1
	}
	if c.DefaultTenant == "" {
		c.DefaultTenant = "rocketmq"
	}
	if c.DefaultNamespace == "" {
		c.DefaultNamespace = "default"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Writable reports whether the broker accepts producers.
func (c *Config) Writable() bool { return c.BrokerPermission&PermWrite != 0 }

// Readable reports whether the broker accepts consumers.
func (c *Config) Readable() bool { return c.BrokerPermission&PermRead != 0 }

// ListenerNameForPort resolves the backend listener set advertised to a
// client that connected to the given local ingress port.
func (c *Config) ListenerNameForPort(port int) string {
	return c.ListenerPortMap[port]
}

// ParseListenerPortMap parses the "port:name,port:name" wire form of the
// listener map configuration key.
func ParseListenerPortMap(s string) (map[int]string, error) {
	m := make(map[int]string)
	if s == "" {
		return m, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad listener map entry %q", entry)
		}
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("bad listener map port %q", parts[0])
		}
		m[port] = parts[1]
	}
	return m, nil
}
