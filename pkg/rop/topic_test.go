package rop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testTranslator = &TopicTranslator{DefaultTenant: "rocketmq", DefaultNamespace: "default"}

func TestParseTopicForms(t *testing.T) {
	tests := []struct {
		wire string
		want Topic
	}{
		{"TopicTest", Topic{Tenant: "rocketmq", Namespace: "default", Local: "TopicTest", Kind: TopicNormal}},
		{"ns1%TopicTest", Topic{Tenant: "rocketmq", Namespace: "ns1", Local: "TopicTest", Kind: TopicNormal}},
		{"t1|ns1%TopicTest", Topic{Tenant: "t1", Namespace: "ns1", Local: "TopicTest", Kind: TopicNormal}},
		{"%RETRY%g1", Topic{Tenant: "rocketmq", Namespace: "default", Local: "%RETRY%g1", Kind: TopicRetry, Group: "g1"}},
		{"%DLQ%g1", Topic{Tenant: "rocketmq", Namespace: "default", Local: "%DLQ%g1", Kind: TopicDLQ, Group: "g1"}},
		{"t1|%RETRY%g2", Topic{Tenant: "t1", Namespace: "default", Local: "%RETRY%g2", Kind: TopicRetry, Group: "g2"}},
		{"rmq_sys_SCHEDULE_TOPIC_3", Topic{Tenant: "rocketmq", Namespace: "default", Local: "rmq_sys_SCHEDULE_TOPIC_3", Kind: TopicDelay, Level: 3}},
		{"rmq_sys_TRANS_CHECK", Topic{Tenant: "rocketmq", Namespace: "default", Local: "rmq_sys_TRANS_CHECK", Kind: TopicMeta}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, testTranslator.Parse(tt.wire), "wire %q", tt.wire)
	}
}

func TestWireNameRoundTrip(t *testing.T) {
	for _, wire := range []string{
		"TopicTest",
		"ns1%TopicTest",
		"t1|ns1%TopicTest",
		"%RETRY%g1",
		"%DLQ%g1",
	} {
		parsed := testTranslator.Parse(wire)
		require.Equal(t, wire, testTranslator.WireName(parsed), "wire %q", wire)
	}
}

func TestBackendNames(t *testing.T) {
	tp := testTranslator.Parse("ns1%TopicTest")
	require.Equal(t, "persistent://rocketmq/ns1/TopicTest", tp.FullName())
	require.Equal(t, "persistent://rocketmq/ns1/TopicTest-partition-4", tp.PartitionName(4))

	require.Equal(t, "TopicTest", LocalFromBackend("persistent://rocketmq/ns1/TopicTest-partition-4"))
	require.Equal(t, "TopicTest", LocalFromBackend("persistent://rocketmq/ns1/TopicTest"))
	require.Equal(t, int32(4), PartitionFromBackend("persistent://rocketmq/ns1/TopicTest-partition-4"))
	require.Equal(t, int32(-1), PartitionFromBackend("persistent://rocketmq/ns1/TopicTest"))
}

func TestSpecialTopicHelpers(t *testing.T) {
	retry := testTranslator.RetryTopic("g1")
	require.Equal(t, TopicRetry, retry.Kind)
	require.Equal(t, "g1", retry.Group)

	dlq := testTranslator.DLQTopic("g1")
	require.Equal(t, TopicDLQ, dlq.Kind)
	require.Equal(t, "%DLQ%g1", dlq.Local)

	delay := testTranslator.DelayTopic(5)
	require.Equal(t, TopicDelay, delay.Kind)
	require.Equal(t, 5, delay.Level)
	require.Equal(t, "persistent://rocketmq/default/rmq_sys_SCHEDULE_TOPIC_5", delay.FullName())
}
