package rop

import (
	"context"
	"sync"
	"time"

	"github.com/bridgemq/rockgate/pkg/backend"
)

// mockBackend is an in-memory ledger, just enough backend for the pipeline
// tests: per-partition append order, positioned readers, and a static
// cluster view.
type mockBackend struct {
	mu         sync.Mutex
	partitions map[string]*mockPartition

	cluster *mockCluster

	pubsOpened    int
	readersOpened int
	pubsClosed    int
	readersClosed int

	failPublish bool
}

type mockPartition struct {
	mu     sync.Mutex
	wait   chan struct{}
	ledger int64
	msgs   []*backend.Message
	id     int32
}

func newMockBackend() *mockBackend {
	b := &mockBackend{partitions: make(map[string]*mockPartition)}
	b.cluster = &mockCluster{
		backend: b,
		brokers: map[string]*backend.BrokerInfo{
			"b1:6650": {Address: "b1:6650", AdvertisedListeners: map[string]string{"internal": "10.0.0.1:9876", "external": "1.2.3.4:9876"}},
		},
		localOwned: true,
	}
	return b
}

func (b *mockBackend) partition(name string) *mockPartition {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.partitions[name]
	if p == nil {
		p = &mockPartition{wait: make(chan struct{}), ledger: 7, id: PartitionFromBackend(name)}
		b.partitions[name] = p
	}
	return p
}

func (p *mockPartition) append(payload []byte, props map[string]string) backend.MessageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := backend.MessageID{LedgerID: p.ledger, EntryID: int64(len(p.msgs)), PartitionID: p.id}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.msgs = append(p.msgs, &backend.Message{
		ID:          id,
		Payload:     cp,
		Properties:  props,
		PublishTime: time.Now(),
	})
	close(p.wait)
	p.wait = make(chan struct{})
	return id
}

// trim drops the first n messages, simulating retention kicking in.
func (p *mockPartition) trim(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = p.msgs[n:]
}

func (b *mockBackend) CreatePublisher(opts backend.PublisherOptions, topic string) (backend.Publisher, error) {
	b.mu.Lock()
	b.pubsOpened++
	b.mu.Unlock()
	return &mockPublisher{backend: b, partition: b.partition(topic)}, nil
}

func (b *mockBackend) CreateReader(opts backend.ReaderOptions, topic string) (backend.Reader, error) {
	b.mu.Lock()
	b.readersOpened++
	b.mu.Unlock()
	r := &mockReader{backend: b, partition: b.partition(topic)}
	r.position(opts.Start, opts.Inclusive)
	return r, nil
}

func (b *mockBackend) Cluster() backend.ClusterView { return b.cluster }

func (b *mockBackend) Close() {}

type mockPublisher struct {
	backend   *mockBackend
	partition *mockPartition
	closed    bool
}

func (p *mockPublisher) Send(ctx context.Context, payload []byte, props map[string]string) (backend.MessageID, error) {
	if p.backend.failPublish {
		return backend.MessageID{}, context.DeadlineExceeded
	}
	return p.partition.append(payload, props), nil
}

func (p *mockPublisher) SendAsync(ctx context.Context, payload []byte, props map[string]string, cb func(backend.MessageID, error)) {
	go cb(p.Send(ctx, payload, props))
}

func (p *mockPublisher) Close() {
	p.backend.mu.Lock()
	p.backend.pubsClosed++
	p.backend.mu.Unlock()
}

// mockReader iterates a partition by index. Next blocks on the partition's
// arrival channel until a message lands or the context expires, matching
// the real reader's deadline behavior.
type mockReader struct {
	backend   *mockBackend
	partition *mockPartition
	next      int
}

func (r *mockReader) position(start backend.MessageID, inclusive bool) {
	p := r.partition
	p.mu.Lock()
	defer p.mu.Unlock()
	switch start {
	case backend.EarliestMessageID:
		r.next = 0
		return
	case backend.LatestMessageID:
		r.next = len(p.msgs)
		return
	}
	for i, m := range p.msgs {
		if !m.ID.Before(start) {
			r.next = i
			if !inclusive && m.ID == start {
				r.next = i + 1
			}
			return
		}
	}
	r.next = len(p.msgs)
}

func (r *mockReader) Next(ctx context.Context) (*backend.Message, error) {
	for {
		r.partition.mu.Lock()
		if r.next < len(r.partition.msgs) {
			m := r.partition.msgs[r.next]
			r.next++
			r.partition.mu.Unlock()
			return m, nil
		}
		wait := r.partition.wait
		r.partition.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (r *mockReader) Seek(id backend.MessageID) error {
	r.position(id, true)
	return nil
}

func (r *mockReader) SeekByTime(ts time.Time) error {
	p := r.partition
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.msgs {
		if !m.PublishTime.Before(ts) {
			r.next = i
			return nil
		}
	}
	r.next = len(p.msgs)
	return nil
}

func (r *mockReader) Close() {
	r.backend.mu.Lock()
	r.backend.readersClosed++
	r.backend.mu.Unlock()
}

type mockCluster struct {
	backend    *mockBackend
	brokers    map[string]*backend.BrokerInfo
	owners     map[string]map[int32]string
	localOwned bool
}

func (c *mockCluster) ActiveBrokers(ctx context.Context) ([]string, error) {
	addrs := make([]string, 0, len(c.brokers))
	for addr := range c.brokers {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (c *mockCluster) BrokerInfo(ctx context.Context, address string) (*backend.BrokerInfo, error) {
	if info, ok := c.brokers[address]; ok {
		return info, nil
	}
	return nil, context.Canceled
}

func (c *mockCluster) PartitionOwners(ctx context.Context, topic string) (map[int32]string, error) {
	if c.owners != nil {
		return c.owners[topic], nil
	}
	return nil, nil
}

func (c *mockCluster) Partitions(ctx context.Context, topic string) (int, error) {
	if c.owners != nil {
		return len(c.owners[topic]), nil
	}
	return 0, nil
}

func (c *mockCluster) OwnsPartition(ctx context.Context, partitionedTopic string) (bool, error) {
	return c.localOwned, nil
}
