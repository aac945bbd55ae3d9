package rop

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bridgemq/rockgate/pkg/wire"
)

// wireCodeForPut maps a backend put status onto the legacy response code,
// and reports whether the send counts as delivered. The table is exhaustive;
// unknown statuses fall through to SYSTEM_ERROR.
func wireCodeForPut(status PutStatus) (code int16, sendOK bool) {
	switch status {
	case PutOK:
		return wire.Success, true
	case PutFlushDiskTimeout:
		return wire.FlushDiskTimeout, true
	case PutFlushSlaveTimeout:
		return wire.FlushSlaveTimeout, true
	case PutSlaveNotAvailable:
		return wire.SlaveNotAvailable, true
	case PutCreateMappedFileFailed:
		return wire.SystemError, false
	case PutMessageIllegal, PutPropertiesSizeExceeded:
		return wire.MessageIllegal, false
	case PutServiceNotAvailable:
		return wire.ServiceNotAvailable, false
	case PutOSPageCacheBusy:
		return wire.SystemError, false
	}
	return wire.SystemError, false
}

// checkSend validates a send header against broker and topic state,
// returning a non-nil error response on the first failed check.
func (h *Handler) checkSend(req *wire.Command, hdr *wire.SendHeader) (*TopicConfig, *wire.Command) {
	if !h.cfg.Writable() {
		return nil, wire.NewResponse(req, wire.NoPermission,
			fmt.Sprintf("the broker[%s] sending message is forbidden", h.cfg.BrokerName))
	}
	if len(hdr.Topic) > MaxTopicLength {
		return nil, wire.NewResponse(req, wire.MessageIllegal,
			fmt.Sprintf("the topic[%s] is longer than topic max length %d", hdr.Topic, MaxTopicLength))
	}
	if hdr.Topic == "" {
		return nil, wire.NewResponse(req, wire.MessageIllegal, "the topic is empty")
	}
	if hdr.Batch && strings.HasPrefix(hdr.Topic, RetryPrefix) {
		return nil, wire.NewResponse(req, wire.MessageIllegal, "batch request does not support retry group")
	}
	tc := h.topics.Get(hdr.Topic)
	if tc == nil {
		return nil, wire.NewResponse(req, wire.TopicNotExist,
			fmt.Sprintf("topic[%s] not exist, apply first please", hdr.Topic))
	}
	if !tc.Writable() {
		return nil, wire.NewResponse(req, wire.NoPermission,
			fmt.Sprintf("the topic[%s] sending message is forbidden", hdr.Topic))
	}
	return tc, nil
}

// handleSend serves SEND_MESSAGE, SEND_MESSAGE_V2, and SEND_BATCH_MESSAGE.
func (h *Handler) handleSend(ctx context.Context, c *Conn, req *wire.Command) *wire.Command {
	hdr, err := wire.ParseSendHeader(req.Code, req.ExtFields)
	if err != nil {
		return wire.NewResponse(req, wire.SystemError, err.Error())
	}
	tc, errResp := h.checkSend(req, hdr)
	if errResp != nil {
		return errResp
	}
	queueID := hdr.QueueID
	if queueID < 0 {
		queueID = rand.Int31n(tc.WriteQueueNums)
	} else if queueID >= tc.WriteQueueNums {
		return wire.NewResponse(req, wire.SystemError,
			fmt.Sprintf("request queueId[%d] is illegal, write queue nums: %d", queueID, tc.WriteQueueNums))
	}

	topic := h.translator.Parse(hdr.Topic)
	props := wire.UnmarshalProperties(hdr.Properties)

	// Retry sends escalate to the group's DLQ once the retry budget is
	// spent.
	if topic.Kind == TopicRetry {
		var dlqResp *wire.Command
		topic, queueID, dlqResp = h.escalateRetry(req, hdr, topic, queueID)
		if dlqResp != nil {
			return dlqResp
		}
	}

	if hdr.SysFlag&wire.FlagTransactionPrepared != 0 && hdr.ReconsumeTimes == 0 {
		return wire.NewResponse(req, wire.MessageIllegal,
			"the broker does not support transaction message")
	}

	var result *PutResult
	if hdr.Batch {
		batch, derr := wire.DecodeMessages(req.Body)
		if derr != nil {
			return wire.NewResponse(req, wire.MessageIllegal, derr.Error())
		}
		for _, m := range batch {
			m.SysFlag = hdr.SysFlag
			m.BornTimestamp = hdr.BornTimestamp
			m.BornHost = c.remote()
		}
		result = c.session.PutMessages(ctx, topic, queueID, batch, hdr.ProducerGroup)
	} else {
		m := &wire.Message{
			Topic:          hdr.Topic,
			Flag:           hdr.Flag,
			SysFlag:        hdr.SysFlag,
			Body:           req.Body,
			Properties:     props,
			QueueID:        queueID,
			BornTimestamp:  hdr.BornTimestamp,
			BornHost:       c.remote(),
			StoreHost:      c.local(),
			ReconsumeTimes: hdr.ReconsumeTimes,
		}
		result = c.session.PutMessage(ctx, topic, queueID, m, hdr.ProducerGroup)
	}
	return h.putResponse(c, req, hdr.Topic, queueID, result)
}

// escalateRetry applies the retry budget to a %RETRY% send, rewriting it to
// the group's DLQ topic once exceeded.
func (h *Handler) escalateRetry(req *wire.Command, hdr *wire.SendHeader, topic Topic, queueID int32) (Topic, int32, *wire.Command) {
	group := topic.Group
	sg := h.subGroups.Get(group)
	if sg == nil {
		return topic, queueID, wire.NewResponse(req, wire.SubscriptionGroupNotExist,
			fmt.Sprintf("subscription group not exist, %s", group))
	}
	maxTimes := sg.RetryMaxTimes
	if req.Version >= wire.VersionV349 && hdr.MaxReconsumeTimes > 0 {
		maxTimes = hdr.MaxReconsumeTimes
	}
	if hdr.ReconsumeTimes < maxTimes {
		return topic, queueID, nil
	}
	dlq := h.translator.DLQTopic(group)
	if _, err := h.topics.Ensure(dlq.Local, int32(h.cfg.DLQQueueNums), PermWrite|PermRead); err != nil {
		h.logger.Error("DLQ topic provisioning failed", zap.String("group", group), zap.Error(err))
		return topic, queueID, wire.NewResponse(req, wire.SystemError,
			"topic["+dlq.Local+"] not exist and creating failed")
	}
	h.metrics.addDLQ(group)
	h.logger.Info("message escalated to DLQ",
		zap.String("group", group),
		zap.Int32("reconsumeTimes", hdr.ReconsumeTimes),
		zap.Int32("maxTimes", maxTimes))
	return dlq, rand.Int31n(int32(h.cfg.DLQQueueNums)), nil
}

func (h *Handler) putResponse(c *Conn, req *wire.Command, topic string, queueID int32, result *PutResult) *wire.Command {
	code, sendOK := wireCodeForPut(result.Status)
	resp := wire.NewResponse(req, code, remarkForPut(result.Status))
	if sendOK {
		wire.SendResponseHeader(resp.ExtFields, result.MsgID, queueID, result.LogicsOffset)
		h.metrics.addPut(topic, result.MsgNum*h.cfg.CommercialBaseCount, result.WroteBytes)
		h.hold.NotifyArrival(topic, queueID)
	}
	return resp
}

func remarkForPut(status PutStatus) string {
	switch status {
	case PutOK:
		return ""
	case PutFlushDiskTimeout:
		return "FLUSH_DISK_TIMEOUT"
	case PutFlushSlaveTimeout:
		return "FLUSH_SLAVE_TIMEOUT"
	case PutSlaveNotAvailable:
		return "SLAVE_NOT_AVAILABLE"
	case PutCreateMappedFileFailed:
		return "create mapped file failed"
	case PutMessageIllegal, PutPropertiesSizeExceeded:
		return "the message is illegal, maybe msg body or properties length not matched"
	case PutServiceNotAvailable:
		return "service not available now"
	case PutOSPageCacheBusy:
		return "[PC_SYNCHRONIZED]broker busy"
	}
	return "UNKNOWN_ERROR"
}

// handleSendBack serves CONSUMER_SEND_MSG_BACK: the consumer returns a
// message it failed to process, and the gateway republishes it onto the
// group's retry topic with an escalated delay level, or onto the DLQ when
// the retry budget is spent.
func (h *Handler) handleSendBack(ctx context.Context, c *Conn, req *wire.Command) *wire.Command {
	hdr, err := wire.ParseSendBackHeader(req.ExtFields)
	if err != nil {
		return wire.NewResponse(req, wire.SystemError, err.Error())
	}
	sg := h.subGroups.Get(hdr.Group)
	if sg == nil {
		return wire.NewResponse(req, wire.SubscriptionGroupNotExist,
			fmt.Sprintf("subscription group not exist, %s", hdr.Group))
	}
	if !h.cfg.Writable() {
		return wire.NewResponse(req, wire.NoPermission,
			fmt.Sprintf("the broker[%s] sending message is forbidden", h.cfg.BrokerName))
	}

	origin := h.translator.Parse(hdr.OriginTopic)
	msg, err := c.session.LookupByOffset(ctx, origin, hdr.Offset)
	if err != nil || msg == nil {
		return wire.NewResponse(req, wire.SystemError, "look message by offset failed")
	}

	maxTimes := sg.RetryMaxTimes
	if hdr.MaxReconsumeTimes >= 0 {
		maxTimes = hdr.MaxReconsumeTimes
	}

	body, err := wire.DecompressBody(msg.SysFlag, msg.Body)
	if err != nil {
		return wire.NewResponse(req, wire.SystemError, "uncompress stored body failed")
	}

	target := h.translator.RetryTopic(hdr.Group)
	queueID := int32(0)
	delayLevel := hdr.DelayLevel
	toDLQ := delayLevel < 0 || msg.ReconsumeTimes >= maxTimes
	if toDLQ {
		target = h.translator.DLQTopic(hdr.Group)
		queueID = rand.Int31n(int32(h.cfg.DLQQueueNums))
		if _, err := h.topics.Ensure(target.Local, int32(h.cfg.DLQQueueNums), PermWrite|PermRead); err != nil {
			return wire.NewResponse(req, wire.SystemError,
				"topic["+target.Local+"] not exist and creating failed")
		}
		delayLevel = 0
		h.metrics.addDLQ(hdr.Group)
	} else if delayLevel == 0 {
		delayLevel = 3 + msg.ReconsumeTimes
	}

	props := make(map[string]string, len(msg.Properties)+3)
	for k, v := range msg.Properties {
		props[k] = v
	}
	if props[wire.PropRetryTopic] == "" {
		props[wire.PropRetryTopic] = hdr.OriginTopic
	}
	if !toDLQ {
		props[wire.PropDelayLevel] = fmt.Sprint(delayLevel)
	} else {
		delete(props, wire.PropDelayLevel)
	}

	retry := &wire.Message{
		Topic:          target.Local,
		Flag:           msg.Flag,
		SysFlag:        wire.ClearCompression(msg.SysFlag),
		Body:           body,
		Properties:     props,
		QueueID:        queueID,
		BornTimestamp:  time.Now().UnixMilli(),
		BornHost:       c.remote(),
		StoreHost:      c.local(),
		ReconsumeTimes: msg.ReconsumeTimes + 1,
	}
	result := c.session.PutMessage(ctx, target, queueID, retry, hdr.Group)
	code, sendOK := wireCodeForPut(result.Status)
	resp := wire.NewResponse(req, code, remarkForPut(result.Status))
	if sendOK {
		h.metrics.addPut(target.Local, result.MsgNum, result.WroteBytes)
		h.hold.NotifyArrival(target.Local, queueID)
	}
	return resp
}

// remote returns the connection's remote address as a TCP address.
func (c *Conn) remote() net.Addr {
	if c.remoteAddr != nil {
		return c.remoteAddr
	}
	return &net.TCPAddr{IP: net.IPv4zero}
}

func (c *Conn) local() net.Addr {
	if c.localAddr != nil {
		return c.localAddr
	}
	return &net.TCPAddr{IP: net.IPv4zero}
}
