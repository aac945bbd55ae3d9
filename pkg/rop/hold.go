package rop

import (
	"sync"
	"time"

	"github.com/twmb/go-rbtree"
	"go.uber.org/zap"

	"github.com/bridgemq/rockgate/pkg/wire"
)

type holdKey struct {
	topic   string
	queueID int32
}

// heldPull is one parked pull request. Held pulls order by deadline in the
// sweep tree.
type heldPull struct {
	conn     *Conn
	req      *wire.Command
	hdr      *wire.PullHeader
	key      holdKey
	deadline time.Time
	node     *rbtree.Node

	// probe, when set, asks the worker for the bucket depth instead of
	// parking.
	probe chan int
}

func (p *heldPull) Less(other rbtree.Item) bool {
	return p.deadline.Before(other.(*heldPull).deadline)
}

// Hold parks pulls that found nothing until a matching arrival or their
// deadline. One worker goroutine owns the hold state and reacts to park and
// arrival events over channels; re-execution happens on a small pool so a
// slow backend read cannot stall the worker.
type Hold struct {
	logger *zap.Logger
	m      *Metrics

	// reexec re-runs the pull pipeline with suspension disabled and
	// writes any non-nil response back to the original channel.
	reexec func(*Conn, *wire.Command)

	parks    chan *heldPull
	arrivals chan holdKey
	wake     chan *heldPull
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	// owned by the worker goroutine
	buckets map[holdKey][]*heldPull
	tree    rbtree.Tree
}

// NewHold starts the hold worker and its re-execution pool.
func NewHold(logger *zap.Logger, m *Metrics, reexec func(*Conn, *wire.Command)) *Hold {
	h := &Hold{
		logger:   logger,
		m:        m,
		reexec:   reexec,
		parks:    make(chan *heldPull, 128),
		arrivals: make(chan holdKey, 1024),
		wake:     make(chan *heldPull, 1024),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		buckets:  make(map[holdKey][]*heldPull),
	}
	for i := 0; i < defaultHoldWorkers; i++ {
		go h.runReexec()
	}
	go h.run()
	return h
}

// Park hands a pull to the hold. The synchronous response is suppressed by
// the caller; the pull is answered later from the wake or sweep path.
func (h *Hold) Park(c *Conn, req *wire.Command, hdr *wire.PullHeader, timeout time.Duration) {
	p := &heldPull{
		conn:     c,
		req:      req,
		hdr:      hdr,
		key:      holdKey{topic: hdr.Topic, queueID: hdr.QueueID},
		deadline: time.Now().Add(timeout),
	}
	select {
	case h.parks <- p:
		h.m.addHold(false)
	case <-h.stopCh:
		// Shutting down; the client re-pulls on its own timeout.
	}
}

// NotifyArrival wakes pulls parked on (topic, queueID). Called from the
// producer path on every confirmed publish; backend-side arrival
// notifications feed the same channel.
func (h *Hold) NotifyArrival(topic string, queueID int32) {
	select {
	case h.arrivals <- holdKey{topic: topic, queueID: queueID}:
	default:
		// Arrival channel full: the sweep will answer stragglers. Never
		// block a producer on the hold.
	}
}

// Close stops the worker. Parked pulls are dropped; clients recover by
// re-pulling.
func (h *Hold) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

func (h *Hold) run() {
	defer close(h.doneCh)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case p := <-h.parks:
			if p.probe != nil {
				p.probe <- len(h.buckets[p.key])
				continue
			}
			p.node = h.tree.Insert(p)
			h.buckets[p.key] = append(h.buckets[p.key], p)
		case key := <-h.arrivals:
			h.popBucket(key, true)
		case now := <-ticker.C:
			h.expire(now)
		case <-h.stopCh:
			return
		}
	}
}

// popBucket removes every pull parked on key and queues it for
// re-execution.
func (h *Hold) popBucket(key holdKey, woken bool) {
	held := h.buckets[key]
	if len(held) == 0 {
		return
	}
	delete(h.buckets, key)
	for _, p := range held {
		h.tree.Delete(p.node)
		p.node = nil
		if woken {
			h.m.addHold(true)
		}
		h.dispatch(p)
	}
}

// expire pops every pull whose deadline has passed.
func (h *Hold) expire(now time.Time) {
	for {
		min := h.tree.Min()
		if min == nil {
			return
		}
		p := min.Item.(*heldPull)
		if p.deadline.After(now) {
			return
		}
		h.tree.Delete(min)
		p.node = nil
		h.removeFromBucket(p)
		h.dispatch(p)
	}
}

func (h *Hold) removeFromBucket(p *heldPull) {
	held := h.buckets[p.key]
	for i, q := range held {
		if q == p {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(h.buckets, p.key)
	} else {
		h.buckets[p.key] = held
	}
}

func (h *Hold) dispatch(p *heldPull) {
	select {
	case h.wake <- p:
	case <-h.stopCh:
	}
}

func (h *Hold) runReexec() {
	for {
		select {
		case p := <-h.wake:
			if !p.conn.alive() {
				h.logger.Debug("parked pull dropped, channel dead",
					zap.String("topic", p.key.topic), zap.Int32("queueId", p.key.queueID))
				continue
			}
			h.reexec(p.conn, p.req)
		case <-h.stopCh:
			return
		}
	}
}

// HeldCount reports how many pulls are parked on a key. Test hook; the
// count is read by the worker's own channel to stay race free.
func (h *Hold) HeldCount(topic string, queueID int32) int {
	result := make(chan int, 1)
	select {
	case h.parks <- &heldPull{probe: result, key: holdKey{topic: topic, queueID: queueID}}:
	case <-h.stopCh:
		return 0
	}
	select {
	case n := <-result:
		return n
	case <-h.stopCh:
		return 0
	}
}
