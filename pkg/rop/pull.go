package rop

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bridgemq/rockgate/pkg/wire"
)

// suggestMasterBroker is the broker id a pull response points clients back
// at; the gateway has no slave tier.
const suggestMasterBroker = 0

// wireCodeForGet maps a read status onto the legacy response code. The
// empty-queue statuses split on whether the client asked for the queue head:
// a zero offset means the queue is simply empty, anything else means the
// client's cursor no longer matches the queue.
func wireCodeForGet(status GetStatus, queueOffset int64) int16 {
	switch status {
	case GetFound:
		return wire.Success
	case GetMessageWasRemoving, GetNoMatchedMessage:
		return wire.PullRetryImmediately
	case GetNoMatchedLogicQueue, GetNoMessageInQueue:
		if queueOffset == 0 {
			return wire.PullNotFound
		}
		return wire.PullOffsetMoved
	case GetOffsetFoundNull, GetOffsetOverflowOne:
		return wire.PullNotFound
	case GetOffsetOverflowBadly, GetOffsetTooSmall:
		return wire.PullOffsetMoved
	}
	return wire.PullNotFound
}

// handlePull serves PULL_MESSAGE. allowSuspend is false when the pipeline
// runs again for a parked request; a re-executed pull never parks twice.
func (h *Handler) handlePull(ctx context.Context, c *Conn, req *wire.Command, allowSuspend bool) *wire.Command {
	hdr, err := wire.ParsePullHeader(req.ExtFields)
	if err != nil {
		return wire.NewResponse(req, wire.SystemError, err.Error())
	}

	if !h.cfg.Readable() {
		return wire.NewResponse(req, wire.NoPermission,
			fmt.Sprintf("the broker[%s] pulling message is forbidden", h.cfg.BrokerName))
	}
	sg := h.subGroups.Get(hdr.ConsumerGroup)
	if sg == nil {
		return wire.NewResponse(req, wire.SubscriptionGroupNotExist,
			fmt.Sprintf("subscription group [%s] does not exist", hdr.ConsumerGroup))
	}
	if !sg.ConsumeEnable {
		return wire.NewResponse(req, wire.NoPermission,
			fmt.Sprintf("subscription group no permission, %s", hdr.ConsumerGroup))
	}
	tc := h.topics.Get(hdr.Topic)
	if tc == nil {
		return wire.NewResponse(req, wire.TopicNotExist,
			fmt.Sprintf("topic[%s] not exist, apply first please", hdr.Topic))
	}
	if !tc.Readable() {
		return wire.NewResponse(req, wire.NoPermission,
			fmt.Sprintf("the topic[%s] pulling message is forbidden", hdr.Topic))
	}
	if hdr.QueueID < 0 || hdr.QueueID >= tc.ReadQueueNums {
		return wire.NewResponse(req, wire.SystemError,
			fmt.Sprintf("queueId[%d] is illegal, topic[%s] read queue nums: %d", hdr.QueueID, hdr.Topic, tc.ReadQueueNums))
	}

	filter, errResp := h.resolveSubscription(req, hdr)
	if errResp != nil {
		return errResp
	}

	if c.session == nil || !c.session.alive() {
		return wire.NewResponse(req, wire.PullRetryImmediately, "store getMessage return null")
	}

	topic := h.translator.Parse(hdr.Topic)
	partitionName := topic.PartitionName(hdr.QueueID)

	result := h.readForPull(ctx, c, hdr, topic, partitionName, filter)

	code := wireCodeForGet(result.Status, hdr.QueueOffset)
	resp := wire.NewResponse(req, code, "")
	wire.PullResponseHeader(resp.ExtFields, suggestMasterBroker,
		result.NextBeginOffset, result.MinOffset, result.MaxOffset)
	if result.NotOwned {
		resp.ExtFields["sysFlag"] = fmt.Sprint(wire.PullFlagSuspend)
	}

	switch code {
	case wire.Success:
		h.metrics.addPull(hdr.Topic, true)
		resp.Body = concatFrames(result.Messages)
		h.observeServeLatency(result.Messages)
	case wire.PullNotFound:
		h.metrics.addPull(hdr.Topic, false)
		if allowSuspend && hdr.SysFlag&wire.PullFlagSuspend != 0 {
			timeout := time.Duration(hdr.SuspendTimeoutMillis) * time.Millisecond
			if !h.cfg.LongPollingEnable || timeout <= 0 {
				timeout = h.cfg.ShortPollingTime
			}
			h.hold.Park(c, req, hdr, timeout)
			// Parked: the response is suppressed, but the piggybacked
			// commit below still applies.
			resp = nil
		}
	case wire.PullOffsetMoved:
		h.logger.Warn("pull offset moved",
			zap.String("group", hdr.ConsumerGroup),
			zap.String("topic", hdr.Topic),
			zap.Int32("queueId", hdr.QueueID),
			zap.Int64("requested", hdr.QueueOffset),
			zap.Int64("nextBegin", result.NextBeginOffset))
		if h.cfg.OnOffsetMoved != nil {
			h.cfg.OnOffsetMoved(hdr.ConsumerGroup, hdr.Topic, hdr.QueueID, hdr.QueueOffset, result.NextBeginOffset)
		}
	}

	// Commit the client's consumed-up-to cursor piggybacked on the pull.
	// Only first-run pulls commit; the hold path re-executes with suspension
	// disabled and must not double-commit.
	if allowSuspend && hdr.SysFlag&wire.PullFlagCommitOffset != 0 {
		h.offsets.Commit(c.RemoteAddr(), hdr.ConsumerGroup, hdr.Topic, hdr.QueueID, hdr.CommitOffset)
	}
	return resp
}

// readForPull runs the ownership and negative-cache gates and then the
// bounded read.
func (h *Handler) readForPull(ctx context.Context, c *Conn, hdr *wire.PullHeader, topic Topic, partitionName string, filter Filter) *GetResult {
	notOwned := &GetResult{
		Status:          GetOffsetFoundNull,
		NextBeginOffset: hdr.QueueOffset,
		MinOffset:       MinRopOffset,
		MaxOffset:       MaxRopOffset,
		NotOwned:        true,
	}
	key := negCacheKey{group: hdr.ConsumerGroup, topic: hdr.Topic, queueID: hdr.QueueID}
	if h.negCache.Contains(key) {
		return notOwned
	}
	owned, err := h.cluster.OwnsPartition(ctx, partitionName)
	if err != nil || !owned {
		if err != nil {
			h.logger.Warn("ownership lookup failed", zap.String("partition", partitionName), zap.Error(err))
		}
		h.negCache.Add(key, struct{}{})
		return notOwned
	}

	maxNum := int(hdr.MaxMsgNums)
	if maxNum <= 0 {
		maxNum = 32
	}
	result, err := c.session.GetMessage(ctx, hdr.ConsumerGroup, topic, hdr.QueueID, hdr.QueueOffset, maxNum, filter)
	if err != nil {
		h.logger.Warn("pull read failed",
			zap.String("group", hdr.ConsumerGroup),
			zap.String("partition", partitionName),
			zap.Error(err))
		return notOwned
	}
	return result
}

// resolveSubscription resolves the filter the pull runs under: either the
// inline subscription carried by the request, or the group's stored one.
func (h *Handler) resolveSubscription(req *wire.Command, hdr *wire.PullHeader) (Filter, *wire.Command) {
	if hdr.SysFlag&wire.PullFlagSubscription != 0 {
		f, err := ParseFilter(hdr.ExpressionType, hdr.Subscription)
		if err != nil {
			return nil, wire.NewResponse(req, wire.SubscriptionParseFailed,
				"parse the consumer's subscription failed")
		}
		return f, nil
	}

	info := h.groups.Get(hdr.ConsumerGroup)
	if info == nil {
		return nil, wire.NewResponse(req, wire.SubscriptionNotExist,
			fmt.Sprintf("the consumer's group info not exist, group: %s", hdr.ConsumerGroup))
	}
	if info.Model == ModelBroadcasting && !h.subGroups.Get(hdr.ConsumerGroup).ConsumeBroadcastEnable {
		return nil, wire.NewResponse(req, wire.NoPermission,
			fmt.Sprintf("the consumer group[%s] can not consume by broadcast way", hdr.ConsumerGroup))
	}
	sub := info.Subscription(hdr.Topic)
	if sub == nil {
		return nil, wire.NewResponse(req, wire.SubscriptionNotExist,
			fmt.Sprintf("the consumer's subscription not exist, group: %s", hdr.ConsumerGroup))
	}
	if sub.Version < hdr.SubVersion {
		return nil, wire.NewResponse(req, wire.SubscriptionNotLatest,
			"the consumer's subscription not latest")
	}
	if sub.Filter() == nil {
		f, err := ParseFilter(sub.ExpressionType, sub.Expression)
		if err != nil {
			return nil, wire.NewResponse(req, wire.SubscriptionParseFailed,
				"parse the consumer's subscription failed")
		}
		return f, nil
	}
	return sub.Filter(), nil
}

func concatFrames(frames [][]byte) []byte {
	var n int
	for _, f := range frames {
		n += len(f)
	}
	body := make([]byte, 0, n)
	for _, f := range frames {
		body = append(body, f...)
	}
	return body
}

// observeServeLatency reads each frame's store timestamp at its fixed
// position and records how stale the message was when served.
func (h *Handler) observeServeLatency(frames [][]byte) {
	now := time.Now().UnixMilli()
	for _, f := range frames {
		if len(f) < 4*5+8*2+4+8 {
			continue
		}
		rd := wire.Reader{Src: f[4*5+8*2:]}
		sysFlag := rd.Int32()
		pos := wire.StoreTimestampPos(sysFlag)
		if len(f) < pos+8 {
			continue
		}
		rd = wire.Reader{Src: f[pos:]}
		stored := rd.Int64()
		h.metrics.observeServeLatency(float64(now-stored) / 1000)
	}
}
