// Package backend defines the surface the gateway needs from the underlying
// segmented log store: publish, positioned reads, and a cluster view. The
// production implementation sits on the Pulsar client; tests supply an
// in-memory one.
package backend

import (
	"context"
	"time"
)

// MessageID addresses one entry in the log: an append-only ledger segment,
// the entry within it, and the partition the ledger belongs to.
type MessageID struct {
	LedgerID    int64
	EntryID     int64
	PartitionID int32
}

// Before reports whether id was appended strictly before other on the same
// partition.
func (id MessageID) Before(other MessageID) bool {
	if id.LedgerID != other.LedgerID {
		return id.LedgerID < other.LedgerID
	}
	return id.EntryID < other.EntryID
}

// Sentinel positions for opening readers.
var (
	EarliestMessageID = MessageID{LedgerID: -1, EntryID: -1}
	LatestMessageID   = MessageID{LedgerID: int64(^uint64(0) >> 1), EntryID: int64(^uint64(0) >> 1)}
)

// Message is one entry read back from the store.
type Message struct {
	ID          MessageID
	Payload     []byte
	Properties  map[string]string
	PublishTime time.Time
	EventTime   time.Time
}

// PublisherOptions configure a publisher handle.
type PublisherOptions struct {
	Name            string
	SendTimeout     time.Duration
	MaxPending      int
	Batching        bool
	BatchingMaxDelay time.Duration
	BatchingMaxMessages int
}

// Publisher appends entries to one partitioned topic.
type Publisher interface {
	// Send appends synchronously and returns the assigned id.
	Send(ctx context.Context, payload []byte, properties map[string]string) (MessageID, error)
	// SendAsync appends without waiting; callback runs on confirmation.
	SendAsync(ctx context.Context, payload []byte, properties map[string]string, callback func(MessageID, error))
	Close()
}

// ReaderOptions configure a reader handle.
type ReaderOptions struct {
	Name              string
	Start             MessageID
	Inclusive         bool
	ReceiverQueueSize int
}

// Reader iterates one partition from a start position.
type Reader interface {
	// Next blocks until a message is available or the context expires.
	Next(ctx context.Context) (*Message, error)
	// Seek repositions the reader at the given id.
	Seek(id MessageID) error
	// SeekByTime repositions the reader at the first entry published at or
	// after ts.
	SeekByTime(ts time.Time) error
	Close()
}

// BrokerInfo describes one live backend broker.
type BrokerInfo struct {
	Address             string
	AdvertisedListeners map[string]string
}

// ClusterView answers membership and ownership queries.
type ClusterView interface {
	// ActiveBrokers lists the live brokers of the cluster.
	ActiveBrokers(ctx context.Context) ([]string, error)
	// BrokerInfo resolves one broker's advertised listeners.
	BrokerInfo(ctx context.Context, address string) (*BrokerInfo, error)
	// PartitionOwners maps each partition of a topic to its owning broker.
	PartitionOwners(ctx context.Context, topic string) (map[int32]string, error)
	// Partitions returns the partition count of a topic, 0 when absent.
	Partitions(ctx context.Context, topic string) (int, error)
	// OwnsPartition reports whether the local broker owns the partition.
	OwnsPartition(ctx context.Context, partitionedTopic string) (bool, error)
}

// Client is the full backend surface the gateway depends on.
type Client interface {
	CreatePublisher(opts PublisherOptions, topic string) (Publisher, error)
	CreateReader(opts ReaderOptions, topic string) (Reader, error)
	Cluster() ClusterView
	Close()
}
