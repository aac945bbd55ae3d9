package rop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bridgemq/rockgate/pkg/wire"
)

func TestSessionHandleCleanupOnInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	session := env.conn.session

	// Populate handles through the public operations.
	seedMessages(t, env, "TopicTest", 0, "m1", "m2")
	resp := env.h.Dispatch(ctx, env.conn, inlinePull("g1", "TopicTest", 0, 0))
	require.Equal(t, wire.Success, resp.Code)
	topic := env.h.Translator().Parse("TopicTest")
	_, err := session.LookupByOffset(ctx, topic, EncodeOffset(env.bk.partition(topic.PartitionName(0)).msgs[0].ID))
	require.NoError(t, err)

	pubs, readers, lookups := session.HandleCounts()
	require.Equal(t, 1, pubs)
	require.Equal(t, 1, readers)
	require.Equal(t, 1, lookups)

	session.OnInactive()
	pubs, readers, lookups = session.HandleCounts()
	require.Zero(t, pubs)
	require.Zero(t, readers)
	require.Zero(t, lookups)

	// Every backend handle is closed within a bounded time.
	require.Eventually(t, func() bool {
		env.bk.mu.Lock()
		defer env.bk.mu.Unlock()
		return env.bk.pubsClosed == env.bk.pubsOpened && env.bk.readersClosed == env.bk.readersOpened
	}, time.Second, 10*time.Millisecond)

	// Operations on a dead session fail fast.
	res := session.PutMessage(ctx, topic, 0, &wire.Message{Body: []byte("x")}, "pg")
	require.Equal(t, PutFlushDiskTimeout, res.Status)
	require.Equal(t, AppendUnknownError, res.AppendStatus)
}

func TestSessionExceptionTransitions(t *testing.T) {
	env := newTestEnv(t)
	session := env.conn.session

	var closes int
	session.OnException(ErrChannelDead, func() { closes++ })
	require.Equal(t, 1, closes)

	// A second exception after FAILED only logs; the close callback must
	// not fire again.
	session.OnException(ErrChannelDead, func() { closes++ })
	require.Equal(t, 1, closes)
}

func TestLookupByOffset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	offsets := seedMessages(t, env, "TopicTest", 1, "m1", "m2", "m3")
	topic := env.h.Translator().Parse("TopicTest")

	m, err := env.conn.session.LookupByOffset(ctx, topic, offsets[1])
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, []byte("m2"), m.Body)
	require.Equal(t, offsets[1], m.QueueOffset)

	// Sentinel offsets are not addressable.
	m, err = env.conn.session.LookupByOffset(ctx, topic, 0)
	require.NoError(t, err)
	require.Nil(t, m)

	// A missing position comes back nil once the read times out.
	gone := EncodeOffset(DecodeOffset(offsets[2]) /* last entry */)
	env.bk.partition(topic.PartitionName(1)).trim(3)
	m, err = env.conn.session.LookupByOffset(ctx, topic, gone)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestLookupByTimestamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedMessages(t, env, "TopicTest", 2, "m1")
	time.Sleep(10 * time.Millisecond)
	cut := time.Now()
	seedMessages(t, env, "TopicTest", 2, "m2")
	topic := env.h.Translator().Parse("TopicTest")

	m, err := env.conn.session.LookupByTimestamp(ctx, topic, 2, cut)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, []byte("m2"), m.Body)

	m, err = env.conn.session.LookupByTimestamp(ctx, topic, 2, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestBatchAndPlainPublishersAreDistinct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	topic := env.h.Translator().Parse("TopicTest")
	session := env.conn.session

	res := session.PutMessage(ctx, topic, 0, &wire.Message{Body: []byte("a")}, "pg")
	require.Equal(t, PutOK, res.Status)
	res = session.PutMessages(ctx, topic, 0, []*wire.Message{{Body: []byte("b")}}, "pg")
	require.Equal(t, PutOK, res.Status)

	pubs, _, _ := session.HandleCounts()
	require.Equal(t, 2, pubs)
	session.OnInactive()
}
