package rop

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bridgemq/rockgate/pkg/backend"
	"github.com/bridgemq/rockgate/pkg/wire"
)

// PutStatus is the backend-side outcome of a publish, in the legacy store's
// vocabulary. FLUSH_DISK_TIMEOUT doubles as "publish did not confirm in
// time, retry"; the backend has no disk-flush concept but the legacy client
// retries on it, and that contract is preserved.
type PutStatus int8

const (
	PutOK PutStatus = iota
	PutFlushDiskTimeout
	PutFlushSlaveTimeout
	PutSlaveNotAvailable
	PutCreateMappedFileFailed
	PutMessageIllegal
	PutPropertiesSizeExceeded
	PutServiceNotAvailable
	PutOSPageCacheBusy
	PutUnknownError
)

// AppendStatus refines a put's append outcome.
type AppendStatus int8

const (
	AppendOK AppendStatus = iota
	AppendUnknownError
)

// PutResult is the session-level outcome of a publish.
type PutResult struct {
	Status       PutStatus
	AppendStatus AppendStatus
	MsgID        string
	WroteBytes   int
	MsgNum       int
	// LogicsOffset is the encoded queue offset of the stored message; for a
	// batch, of the last confirmed message.
	LogicsOffset int64
}

// GetStatus is the outcome of a bounded read.
type GetStatus int8

const (
	GetFound GetStatus = iota
	GetNoMessageInQueue
	GetNoMatchedMessage
	GetNoMatchedLogicQueue
	GetOffsetFoundNull
	GetOffsetOverflowOne
	GetOffsetOverflowBadly
	GetOffsetTooSmall
	GetMessageWasRemoving
)

// GetResult is the outcome of Session.GetMessage.
type GetResult struct {
	Status          GetStatus
	NextBeginOffset int64
	MinOffset       int64
	MaxOffset       int64
	// Messages holds each surviving message's raw on-wire frame.
	Messages [][]byte
	// NotOwned marks a miss caused by the partition living on another
	// broker; the response advertises the suspend bit so the client keeps
	// long-polling instead of walking its offset.
	NotOwned bool
}

// Session states.
const (
	sessionActive int32 = iota
	sessionFailed
	sessionClosed
)

type publisherKey struct {
	group string
	topic string // backend partition name
	addr  string
}

type readerKey struct {
	group  string
	topic  string // backend partition name
	connID string
}

// readerSlot is one cached iterating reader plus its position. A slot's
// position is implicitly the last delivered message; a requested start other
// than that message or the entry right after it forces a reopen, as does any
// start on a slot that has delivered nothing yet.
type readerSlot struct {
	reader    backend.Reader
	delivered bool
	last      backend.MessageID
}

func (s *readerSlot) compatible(start backend.MessageID) bool {
	if !s.delivered {
		return false
	}
	if start == s.last {
		return true
	}
	return start.LedgerID == s.last.LedgerID && start.EntryID == s.last.EntryID+1
}

// Session owns the backend handles of one client connection. Publishers are
// keyed by (producer group, partition, remote address); iterating readers by
// (consumer group, partition, connection id). Lookup readers form a second
// pool used serially for by-id and by-timestamp reads.
type Session struct {
	ID         string
	RemoteAddr string

	cfg        *Config
	backend    backend.Client
	translator *TopicTranslator
	logger     *zap.Logger

	state atomic.Int32

	pubMu      sync.Mutex
	publishers map[publisherKey]backend.Publisher

	readMu  sync.Mutex
	readers map[readerKey]*readerSlot

	// lookupMu serializes the whole lookup pool: lookups mix seek and read
	// and must stay serial.
	lookupMu      sync.Mutex
	lookupReaders map[string]backend.Reader

	// internMu hands out one creation lock per partition so concurrent
	// pulls cannot open duplicate readers.
	internMu    sync.Mutex
	topicLocks  map[string]*sync.Mutex
}

// NewSession builds a session for one connection.
func NewSession(id, remoteAddr string, cfg *Config, bk backend.Client, translator *TopicTranslator) *Session {
	return &Session{
		ID:            id,
		RemoteAddr:    remoteAddr,
		cfg:           cfg,
		backend:       bk,
		translator:    translator,
		logger:        cfg.Logger.With(zap.String("session", id)),
		publishers:    make(map[publisherKey]backend.Publisher),
		readers:       make(map[readerKey]*readerSlot),
		lookupReaders: make(map[string]backend.Reader),
		topicLocks:    make(map[string]*sync.Mutex),
	}
}

func (s *Session) alive() bool { return s.state.Load() == sessionActive }

// handleName derives the 64-bit backend handle name from a joined key. The
// hash names the handle only; the cache key stays the full tuple.
func handleName(parts ...string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(parts, "/")))
}

func (s *Session) topicLock(partition string) *sync.Mutex {
	s.internMu.Lock()
	defer s.internMu.Unlock()
	l := s.topicLocks[partition]
	if l == nil {
		l = new(sync.Mutex)
		s.topicLocks[partition] = l
	}
	return l
}

func (s *Session) publisher(group, partition string) (backend.Publisher, error) {
	if !s.alive() {
		return nil, ErrSessionDead
	}
	key := publisherKey{group: group, topic: partition, addr: s.RemoteAddr}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if p, ok := s.publishers[key]; ok {
		return p, nil
	}
	p, err := s.backend.CreatePublisher(backend.PublisherOptions{
		Name:        handleName(group, partition, s.RemoteAddr),
		SendTimeout: s.cfg.SendTimeout,
		MaxPending:  defaultMaxPending,
	}, partition)
	if err != nil {
		return nil, err
	}
	s.publishers[key] = p
	return p, nil
}

func (s *Session) batchPublisher(group, partition string) (backend.Publisher, error) {
	if !s.alive() {
		return nil, ErrSessionDead
	}
	// Batch publishers share the cache with an address marker so plain and
	// batching handles never collide on one partition.
	key := publisherKey{group: group, topic: partition, addr: s.RemoteAddr + "/batch"}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if p, ok := s.publishers[key]; ok {
		return p, nil
	}
	p, err := s.backend.CreatePublisher(backend.PublisherOptions{
		Name:                handleName(group, partition, s.RemoteAddr, "batch"),
		SendTimeout:         s.cfg.SendTimeout,
		MaxPending:          defaultMaxPending,
		Batching:            true,
		BatchingMaxDelay:    defaultBatchMaxDelay,
		BatchingMaxMessages: defaultBatchMaxMessages,
	}, partition)
	if err != nil {
		return nil, err
	}
	s.publishers[key] = p
	return p, nil
}

// failedPut is the uniform publish-failure result: the legacy retry signal.
func failedPut() *PutResult {
	return &PutResult{Status: PutFlushDiskTimeout, AppendStatus: AppendUnknownError}
}

// backendProperties projects the message properties the read side filters
// on, without decoding stored frames.
func backendProperties(m *wire.Message) map[string]string {
	props := make(map[string]string, len(m.Properties))
	for k, v := range m.Properties {
		props[k] = v
	}
	return props
}

// PutMessage publishes one message for a producer group. A positive delay
// level on a non-DLQ message is redirected onto the delay pseudo topic for
// that level; the original topic and queue id ride along in properties for
// the external delay scheduler to redeliver.
func (s *Session) PutMessage(ctx context.Context, topic Topic, queueID int32, m *wire.Message, producerGroup string) *PutResult {
	target := topic
	partition := queueID
	if lvl := m.DelayLevel(); lvl > 0 && topic.Kind != TopicDLQ {
		if lvl > s.cfg.MaxDelayLevel {
			lvl = s.cfg.MaxDelayLevel
		}
		if m.Properties == nil {
			m.Properties = make(map[string]string)
		}
		m.Properties[wire.PropRealTopic] = s.translator.WireName(topic)
		m.Properties[wire.PropRealQueueID] = fmt.Sprint(queueID)
		target = s.translator.DelayTopic(lvl)
		partition = queueID % int32(s.cfg.SchedulePartitions)
	}

	partitionName := target.PartitionName(partition)
	p, err := s.publisher(producerGroup, partitionName)
	if err != nil {
		s.logger.Warn("publisher unavailable", zap.String("topic", partitionName), zap.Error(err))
		return failedPut()
	}

	m.Topic = s.translator.WireName(target)
	m.QueueID = partition
	payload := wire.AppendMessage(nil, m)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	id, err := p.Send(sendCtx, payload, backendProperties(m))
	if err != nil {
		s.logger.Warn("publish failed", zap.String("topic", partitionName), zap.Error(err))
		return failedPut()
	}
	offset := EncodeOffset(id)
	return &PutResult{
		Status:       PutOK,
		MsgID:        messageIDString(id),
		WroteBytes:   len(payload),
		MsgNum:       1,
		LogicsOffset: offset,
	}
}

// PutMessages publishes a batch. Every sub-message goes out asynchronously
// on a batching publisher; the call waits for all confirmations up to the
// send timeout and aggregates ids, bytes, and counts. Any failed
// confirmation fails the batch with the usual retry signal.
func (s *Session) PutMessages(ctx context.Context, topic Topic, queueID int32, batch []*wire.Message, producerGroup string) *PutResult {
	if len(batch) == 0 {
		return &PutResult{Status: PutMessageIllegal}
	}
	partitionName := topic.PartitionName(queueID)
	p, err := s.batchPublisher(producerGroup, partitionName)
	if err != nil {
		s.logger.Warn("batch publisher unavailable", zap.String("topic", partitionName), zap.Error(err))
		return failedPut()
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make([]string, len(batch))
		lastOff int64
		bytes   int
		sendErr error
	)
	wireName := s.translator.WireName(topic)
	for i, m := range batch {
		m.Topic = wireName
		m.QueueID = queueID
		payload := wire.AppendMessage(nil, m)
		bytes += len(payload)
		wg.Add(1)
		idx := i
		p.SendAsync(sendCtx, payload, backendProperties(m), func(id backend.MessageID, err error) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if sendErr == nil {
					sendErr = err
				}
				return
			}
			ids[idx] = messageIDString(id)
			if off := EncodeOffset(id); off > lastOff {
				lastOff = off
			}
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-sendCtx.Done():
		s.logger.Warn("batch publish timed out", zap.String("topic", partitionName))
		return failedPut()
	}
	if sendErr != nil {
		s.logger.Warn("batch publish failed", zap.String("topic", partitionName), zap.Error(sendErr))
		return failedPut()
	}
	return &PutResult{
		Status:       PutOK,
		MsgID:        strings.Join(ids, ","),
		WroteBytes:   bytes,
		MsgNum:       len(batch),
		LogicsOffset: lastOff,
	}
}

func (s *Session) iteratingReader(group, partitionName string, start backend.MessageID) (*readerSlot, bool, error) {
	if !s.alive() {
		return nil, false, ErrSessionDead
	}
	lock := s.topicLock(partitionName)
	lock.Lock()
	defer lock.Unlock()

	key := readerKey{group: group, topic: partitionName, connID: s.ID}
	s.readMu.Lock()
	slot := s.readers[key]
	s.readMu.Unlock()

	if slot != nil {
		if slot.compatible(start) {
			return slot, true, nil
		}
		slot.reader.Close()
		s.readMu.Lock()
		delete(s.readers, key)
		s.readMu.Unlock()
	}

	r, err := s.backend.CreateReader(backend.ReaderOptions{
		Name:              handleName(group, partitionName, s.ID),
		Start:             start,
		Inclusive:         true,
		ReceiverQueueSize: 64,
	}, partitionName)
	if err != nil {
		return nil, false, err
	}
	slot = &readerSlot{reader: r}
	s.readMu.Lock()
	s.readers[key] = slot
	s.readMu.Unlock()
	return slot, false, nil
}

// GetMessage performs one bounded read for a pull: open or reuse the
// iterating reader, read up to maxNum messages at the per-read deadline,
// dedup the inclusive start, filter, and patch each surviving frame's
// store-assigned fields.
func (s *Session) GetMessage(ctx context.Context, group string, topic Topic, queueID int32, queueOffset int64, maxNum int, filter Filter) (*GetResult, error) {
	partitionName := topic.PartitionName(queueID)
	start := StartMessageID(queueOffset)
	exact := ClassifyOffset(queueOffset) == OffsetExact

	slot, reused, err := s.iteratingReader(group, partitionName, start)
	if err != nil {
		return nil, errors.Wrapf(err, "reader on %s", partitionName)
	}

	res := &GetResult{
		Status:          GetOffsetFoundNull,
		NextBeginOffset: queueOffset,
		MinOffset:       MinRopOffset,
		MaxOffset:       MaxRopOffset,
	}
	if !exact {
		// Sentinel pulls restart addressing at whatever the backend
		// returns first.
		res.NextBeginOffset = 0
	}

	first := true
	for len(res.Messages) < maxNum {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		msg, err := slot.reader.Next(readCtx)
		cancel()
		if err != nil {
			break
		}
		offset := EncodeOffset(msg.ID)
		slot.delivered = true
		slot.last = msg.ID

		if first {
			first = false
			// A fresh reader starts inclusively at the requested id; a
			// reused one is already past everything delivered.
			if exact && !reused {
				if offset == queueOffset {
					// Inclusive start; the client already has it.
					res.NextBeginOffset = offset
					continue
				}
				if offset > queueOffset {
					// The requested position has been trimmed away.
					res.Status = GetOffsetTooSmall
					res.NextBeginOffset = offset
					return res, nil
				}
			}
		}
		res.NextBeginOffset = offset
		if filter != nil && !filter.Match(msg.Properties[wire.PropTags], msg.Properties) {
			continue
		}
		frame := patchStoredFrame(msg, offset, queueID)
		if frame == nil {
			continue
		}
		res.Messages = append(res.Messages, frame)
	}

	if len(res.Messages) > 0 {
		res.Status = GetFound
	}
	return res, nil
}

// patchStoredFrame fills the store-assigned fields of a stored frame copy:
// queue offset, physical offset, and store timestamp are only known after
// the backend acknowledges the append.
func patchStoredFrame(msg *backend.Message, offset int64, queueID int32) []byte {
	frame := make([]byte, len(msg.Payload))
	copy(frame, msg.Payload)
	if len(frame) < 4*5+8*2+4 {
		return nil
	}
	binary.BigEndian.PutUint32(frame[4*3:], uint32(queueID))
	binary.BigEndian.PutUint64(frame[4*5:], uint64(offset))   // QUEUEOFFSET
	binary.BigEndian.PutUint64(frame[4*5+8:], uint64(offset)) // PHYSICALOFFSET
	sysFlag := int32(binary.BigEndian.Uint32(frame[4*5+8*2:]))
	pos := wire.StoreTimestampPos(sysFlag)
	if len(frame) < pos+8 {
		return nil
	}
	binary.BigEndian.PutUint64(frame[pos:], uint64(msg.PublishTime.UnixMilli()))
	return frame
}

func (s *Session) lookupReader(partitionName string, start backend.MessageID) (backend.Reader, error) {
	if r, ok := s.lookupReaders[partitionName]; ok {
		if err := r.Seek(start); err == nil {
			return r, nil
		}
		r.Close()
		delete(s.lookupReaders, partitionName)
	}
	r, err := s.backend.CreateReader(backend.ReaderOptions{
		Name:              handleName("lookup", partitionName, s.ID),
		Start:             start,
		Inclusive:         true,
		ReceiverQueueSize: 1,
	}, partitionName)
	if err != nil {
		return nil, err
	}
	s.lookupReaders[partitionName] = r
	return r, nil
}

// LookupByOffset reads back the message a queue offset addresses, or nil
// when it cannot be found. A first read landing on the wrong entry gets one
// explicit seek and retry.
func (s *Session) LookupByOffset(ctx context.Context, topic Topic, offset int64) (*wire.Message, error) {
	if !s.alive() {
		return nil, ErrSessionDead
	}
	if ClassifyOffset(offset) != OffsetExact {
		return nil, nil
	}
	id := DecodeOffset(offset)
	partitionName := topic.PartitionName(id.PartitionID)

	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()

	r, err := s.lookupReader(partitionName, id)
	if err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		msg, err := r.Next(readCtx)
		cancel()
		if err != nil {
			return nil, nil
		}
		if msg.ID == id {
			m, _, derr := wire.DecodeMessage(msg.Payload)
			if derr != nil {
				return nil, derr
			}
			m.QueueOffset = offset
			m.PhysicalOffset = offset
			m.StoreTimestamp = msg.PublishTime.UnixMilli()
			return m, nil
		}
		if err := r.Seek(id); err != nil {
			return nil, nil
		}
	}
	return nil, nil
}

// LookupByTimestamp reads the first message published at or after ts.
func (s *Session) LookupByTimestamp(ctx context.Context, topic Topic, queueID int32, ts time.Time) (*wire.Message, error) {
	if !s.alive() {
		return nil, ErrSessionDead
	}
	partitionName := topic.PartitionName(queueID)

	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()

	r, err := s.lookupReader(partitionName, backend.EarliestMessageID)
	if err != nil {
		return nil, err
	}
	if err := r.SeekByTime(ts); err != nil {
		return nil, nil
	}
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	msg, err := r.Next(readCtx)
	if err != nil {
		return nil, nil
	}
	m, _, derr := wire.DecodeMessage(msg.Payload)
	if derr != nil {
		return nil, derr
	}
	m.QueueOffset = EncodeOffset(msg.ID)
	m.StoreTimestamp = msg.PublishTime.UnixMilli()
	return m, nil
}

// OnInactive tears the session down: every handle is scheduled for async
// close and the maps are cleared. Safe to call more than once.
func (s *Session) OnInactive() {
	s.state.Store(sessionClosed)

	s.pubMu.Lock()
	pubs := s.publishers
	s.publishers = make(map[publisherKey]backend.Publisher)
	s.pubMu.Unlock()

	s.readMu.Lock()
	readers := s.readers
	s.readers = make(map[readerKey]*readerSlot)
	s.readMu.Unlock()

	s.lookupMu.Lock()
	lookups := s.lookupReaders
	s.lookupReaders = make(map[string]backend.Reader)
	s.lookupMu.Unlock()

	go func() {
		for _, p := range pubs {
			p.Close()
		}
		for _, slot := range readers {
			slot.reader.Close()
		}
		for _, r := range lookups {
			r.Close()
		}
	}()
	s.logger.Debug("session handles scheduled for close",
		zap.Int("publishers", len(pubs)),
		zap.Int("readers", len(readers)),
		zap.Int("lookups", len(lookups)))
}

// OnException marks the session FAILED and invokes closeConn the first
// time; repeat exceptions after FAILED only log at debug.
func (s *Session) OnException(err error, closeConn func()) {
	if !s.state.CompareAndSwap(sessionActive, sessionFailed) {
		s.logger.Debug("exception on failed session", zap.Error(err))
		return
	}
	s.logger.Error("session exception, closing channel", zap.Error(err))
	closeConn()
}

// HandleCounts reports cached handle counts, for teardown verification.
func (s *Session) HandleCounts() (publishers, readers, lookups int) {
	s.pubMu.Lock()
	publishers = len(s.publishers)
	s.pubMu.Unlock()
	s.readMu.Lock()
	readers = len(s.readers)
	s.readMu.Unlock()
	s.lookupMu.Lock()
	lookups = len(s.lookupReaders)
	s.lookupMu.Unlock()
	return
}

// messageIDString renders the legacy msgId for a stored message.
func messageIDString(id backend.MessageID) string {
	return fmt.Sprintf("%08X%016X%016X", uint32(id.PartitionID), uint64(id.LedgerID), uint64(id.EntryID))
}
