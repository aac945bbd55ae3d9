package wire

import (
	"strconv"
)

// extReader pulls typed values out of a command's ext fields. Missing keys
// yield zero values; a malformed numeric marks the reader bad.
type extReader struct {
	ext map[string]string
	err error
}

func (r *extReader) str(key string) string { return r.ext[key] }

func (r *extReader) int32(key string) int32 {
	s, ok := r.ext[key]
	if !ok || s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil && r.err == nil {
		r.err = err
	}
	return int32(v)
}

func (r *extReader) int64(key string) int64 {
	s, ok := r.ext[key]
	if !ok || s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil && r.err == nil {
		r.err = err
	}
	return v
}

func (r *extReader) bool(key string) bool { return r.ext[key] == "true" }

func putInt32(ext map[string]string, key string, v int32) {
	ext[key] = strconv.FormatInt(int64(v), 10)
}

func putInt64(ext map[string]string, key string, v int64) {
	ext[key] = strconv.FormatInt(v, 10)
}

// SendHeader is the typed view of a send request's ext fields. V2 requests
// use single-letter keys for the same fields.
type SendHeader struct {
	ProducerGroup     string
	Topic             string
	DefaultTopic      string
	DefaultTopicQueueNums int32
	QueueID           int32
	SysFlag           int32
	BornTimestamp     int64
	Flag              int32
	Properties        string
	ReconsumeTimes    int32
	UnitMode          bool
	Batch             bool
	MaxReconsumeTimes int32
}

// ParseSendHeader decodes the send header for code, which selects between
// the long-key and the V2 compact-key field names.
func ParseSendHeader(code int16, ext map[string]string) (*SendHeader, error) {
	r := extReader{ext: ext}
	var h SendHeader
	if code == SendMessageV2 || code == SendBatchMessage {
		h = SendHeader{
			ProducerGroup:     r.str("a"),
			Topic:             r.str("b"),
			DefaultTopic:      r.str("c"),
			DefaultTopicQueueNums: r.int32("d"),
			QueueID:           r.int32("e"),
			SysFlag:           r.int32("f"),
			BornTimestamp:     r.int64("g"),
			Flag:              r.int32("h"),
			Properties:        r.str("i"),
			ReconsumeTimes:    r.int32("j"),
			UnitMode:          r.bool("k"),
			MaxReconsumeTimes: r.int32("l"),
			Batch:             r.bool("m"),
		}
	} else {
		h = SendHeader{
			ProducerGroup:     r.str("producerGroup"),
			Topic:             r.str("topic"),
			DefaultTopic:      r.str("defaultTopic"),
			DefaultTopicQueueNums: r.int32("defaultTopicQueueNums"),
			QueueID:           r.int32("queueId"),
			SysFlag:           r.int32("sysFlag"),
			BornTimestamp:     r.int64("bornTimestamp"),
			Flag:              r.int32("flag"),
			Properties:        r.str("properties"),
			ReconsumeTimes:    r.int32("reconsumeTimes"),
			UnitMode:          r.bool("unitMode"),
			MaxReconsumeTimes: r.int32("maxReconsumeTimes"),
			Batch:             r.bool("batch"),
		}
	}
	if code == SendBatchMessage {
		h.Batch = true
	}
	return &h, r.err
}

// SendResponseHeader fills a send response's ext fields.
func SendResponseHeader(ext map[string]string, msgID string, queueID int32, queueOffset int64) {
	ext["msgId"] = msgID
	putInt32(ext, "queueId", queueID)
	putInt64(ext, "queueOffset", queueOffset)
}

// PullHeader is the typed view of a pull request's ext fields.
type PullHeader struct {
	ConsumerGroup        string
	Topic                string
	QueueID              int32
	QueueOffset          int64
	MaxMsgNums           int32
	SysFlag              int32
	CommitOffset         int64
	SuspendTimeoutMillis int64
	Subscription         string
	SubVersion           int64
	ExpressionType       string
}

// ParsePullHeader decodes a pull request's ext fields.
func ParsePullHeader(ext map[string]string) (*PullHeader, error) {
	r := extReader{ext: ext}
	h := &PullHeader{
		ConsumerGroup:        r.str("consumerGroup"),
		Topic:                r.str("topic"),
		QueueID:              r.int32("queueId"),
		QueueOffset:          r.int64("queueOffset"),
		MaxMsgNums:           r.int32("maxMsgNums"),
		SysFlag:              r.int32("sysFlag"),
		CommitOffset:         r.int64("commitOffset"),
		SuspendTimeoutMillis: r.int64("suspendTimeoutMillis"),
		Subscription:         r.str("subscription"),
		SubVersion:           r.int64("subVersion"),
		ExpressionType:       r.str("expressionType"),
	}
	return h, r.err
}

// PullResponseHeader fills a pull response's ext fields.
func PullResponseHeader(ext map[string]string, suggestBrokerID int64, nextBegin, min, max int64) {
	putInt64(ext, "suggestWhichBrokerId", suggestBrokerID)
	putInt64(ext, "nextBeginOffset", nextBegin)
	putInt64(ext, "minOffset", min)
	putInt64(ext, "maxOffset", max)
}

// SendBackHeader is the typed view of a consumer-send-back request.
type SendBackHeader struct {
	Offset            int64
	Group             string
	DelayLevel        int32
	OriginMsgID       string
	OriginTopic       string
	UnitMode          bool
	MaxReconsumeTimes int32
}

// ParseSendBackHeader decodes a consumer-send-back request's ext fields.
func ParseSendBackHeader(ext map[string]string) (*SendBackHeader, error) {
	r := extReader{ext: ext}
	h := &SendBackHeader{
		Offset:            r.int64("offset"),
		Group:             r.str("group"),
		DelayLevel:        r.int32("delayLevel"),
		OriginMsgID:       r.str("originMsgId"),
		OriginTopic:       r.str("originTopic"),
		UnitMode:          r.bool("unitMode"),
		MaxReconsumeTimes: r.int32("maxReconsumeTimes"),
	}
	if _, ok := ext["maxReconsumeTimes"]; !ok {
		h.MaxReconsumeTimes = -1
	}
	return h, r.err
}
