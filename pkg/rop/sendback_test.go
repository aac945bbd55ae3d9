package rop

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgemq/rockgate/pkg/wire"
)

func sendBackExt(group, originTopic string, offset int64) map[string]string {
	return map[string]string{
		"group":       group,
		"originTopic": originTopic,
		"offset":      strconv.FormatInt(offset, 10),
		"delayLevel":  "0",
		"originMsgId": "ignored",
	}
}

func TestSendBackGoesToRetryTopic(t *testing.T) {
	env := newTestEnv(t)
	offsets := seedMessages(t, env, "TopicTest", 0, "m1")

	req := wire.NewRequest(wire.ConsumerSendMsgBack, sendBackExt("g1", "TopicTest", offsets[0]))
	resp := env.h.Dispatch(context.Background(), env.conn, req)
	require.Equal(t, wire.Success, resp.Code, resp.Remark)

	// A fresh retry carries a delay level, so the republish rides the
	// delay pseudo topic addressed back at the retry topic.
	delay := env.h.Translator().DelayTopic(3)
	p := env.bk.partition(delay.PartitionName(0))
	require.Len(t, p.msgs, 1)
	require.Equal(t, "%RETRY%g1", p.msgs[0].Properties[wire.PropRealTopic])

	m, _, err := wire.DecodeMessage(p.msgs[0].Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), m.Body)
	require.Equal(t, int32(1), m.ReconsumeTimes)
	require.Equal(t, "TopicTest", m.Properties[wire.PropRetryTopic])
}

func TestSendBackEscalatesToDLQ(t *testing.T) {
	env := newTestEnv(t)
	// Store a message that already burned the whole retry budget.
	ext := sendExt("TopicTest", 0, nil)
	ext["reconsumeTimes"] = "2"
	send := wire.NewRequest(wire.SendMessage, ext)
	send.Body = []byte("poison")
	sendResp := env.h.Dispatch(context.Background(), env.conn, send)
	require.Equal(t, wire.Success, sendResp.Code)
	offset, err := strconv.ParseInt(sendResp.ExtFields["queueOffset"], 10, 64)
	require.NoError(t, err)

	req := wire.NewRequest(wire.ConsumerSendMsgBack, sendBackExt("g1", "TopicTest", offset))
	resp := env.h.Dispatch(context.Background(), env.conn, req)
	require.Equal(t, wire.Success, resp.Code, resp.Remark)

	var total int
	for qid := int32(0); qid < int32(env.cfg.DLQQueueNums); qid++ {
		p := env.bk.partition(env.h.Translator().DLQTopic("g1").PartitionName(qid))
		total += len(p.msgs)
		for _, stored := range p.msgs {
			m, _, err := wire.DecodeMessage(stored.Payload)
			require.NoError(t, err)
			require.Equal(t, []byte("poison"), m.Body)
			_, hasDelay := m.Properties[wire.PropDelayLevel]
			require.False(t, hasDelay)
		}
	}
	require.Equal(t, 1, total)
}

func TestSendBackDecompressesStoredBody(t *testing.T) {
	env := newTestEnv(t)
	body := []byte("compressed payload, long enough to be worth packing")
	packed, err := wire.CompressBody(wire.CompressionZstd, body)
	require.NoError(t, err)

	ext := sendExt("TopicTest", 0, nil)
	ext["sysFlag"] = strconv.Itoa(int(wire.WithCompression(0, wire.CompressionZstd)))
	send := wire.NewRequest(wire.SendMessage, ext)
	send.Body = packed
	sendResp := env.h.Dispatch(context.Background(), env.conn, send)
	require.Equal(t, wire.Success, sendResp.Code)
	offset, err := strconv.ParseInt(sendResp.ExtFields["queueOffset"], 10, 64)
	require.NoError(t, err)

	req := wire.NewRequest(wire.ConsumerSendMsgBack, sendBackExt("g1", "TopicTest", offset))
	resp := env.h.Dispatch(context.Background(), env.conn, req)
	require.Equal(t, wire.Success, resp.Code, resp.Remark)

	delay := env.h.Translator().DelayTopic(3)
	p := env.bk.partition(delay.PartitionName(0))
	require.Len(t, p.msgs, 1)
	m, _, err := wire.DecodeMessage(p.msgs[0].Payload)
	require.NoError(t, err)
	require.Equal(t, body, m.Body)
	require.Equal(t, int32(0), wire.CompressionType(m.SysFlag))
}

func TestSendBackUnknownGroup(t *testing.T) {
	env := newTestEnv(t)
	req := wire.NewRequest(wire.ConsumerSendMsgBack, sendBackExt("nope", "TopicTest", 1))
	resp := env.h.Dispatch(context.Background(), env.conn, req)
	require.Equal(t, wire.SubscriptionGroupNotExist, resp.Code)
}

func TestSendBackLookupMiss(t *testing.T) {
	env := newTestEnv(t)
	offsets := seedMessages(t, env, "TopicTest", 0, "m1")
	env.bk.partition("persistent://rocketmq/default/TopicTest-partition-0").trim(1)

	req := wire.NewRequest(wire.ConsumerSendMsgBack, sendBackExt("g1", "TopicTest", offsets[0]))
	resp := env.h.Dispatch(context.Background(), env.conn, req)
	require.Equal(t, wire.SystemError, resp.Code)
}
