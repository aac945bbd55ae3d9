package wire

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func testMessage(sysFlag int32) *Message {
	born := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 31234}
	store := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2).To4(), Port: 9876}
	if sysFlag&FlagBornHostV6 != 0 {
		born = &net.TCPAddr{IP: net.ParseIP("fd00::1"), Port: 31234}
	}
	if sysFlag&FlagStoreHostV6 != 0 {
		store = &net.TCPAddr{IP: net.ParseIP("fd00::2"), Port: 9876}
	}
	return &Message{
		Topic:   "TopicTest",
		Flag:    4,
		SysFlag: sysFlag,
		Body:    []byte("message body"),
		Properties: map[string]string{
			PropTags: "TagA",
			PropKeys: "key-1",
		},
		QueueID:        3,
		QueueOffset:    1 << 33,
		PhysicalOffset: 1 << 33,
		BornTimestamp:  1700000000000,
		BornHost:       born,
		StoreTimestamp: 1700000000123,
		StoreHost:      store,
		ReconsumeTimes: 2,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		sysFlag int32
	}{
		{"v4 hosts", 0},
		{"v6 born host", FlagBornHostV6},
		{"v6 both hosts", FlagBornHostV6 | FlagStoreHostV6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := testMessage(tt.sysFlag)
			frame := AppendMessage(nil, want)
			require.Equal(t, int(binary.BigEndian.Uint32(frame)), len(frame))

			got, n, err := DecodeMessage(frame)
			require.NoError(t, err)
			require.Equal(t, len(frame), n)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s\nframe: %s", diff, spew.Sdump(frame))
			}
		})
	}
}

func TestStoreTimestampPos(t *testing.T) {
	for _, sysFlag := range []int32{0, FlagBornHostV6, FlagBornHostV6 | FlagStoreHostV6} {
		m := testMessage(sysFlag)
		frame := AppendMessage(nil, m)
		pos := StoreTimestampPos(sysFlag)
		got := int64(binary.BigEndian.Uint64(frame[pos:]))
		require.Equal(t, m.StoreTimestamp, got, "sysFlag %#x", sysFlag)
	}
}

func TestDecodeMessagesConcatenation(t *testing.T) {
	var buf []byte
	for i := 0; i < 3; i++ {
		m := testMessage(0)
		m.QueueOffset = int64(i)
		buf = AppendMessage(buf, m)
	}
	msgs, err := DecodeMessages(buf)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		require.Equal(t, int64(i), m.QueueOffset)
	}
}

func TestDecodeMessageBadMagic(t *testing.T) {
	frame := AppendMessage(nil, testMessage(0))
	binary.BigEndian.PutUint32(frame[4:], 0xdeadbeef)
	_, _, err := DecodeMessage(frame)
	require.Error(t, err)
}

func TestProperties(t *testing.T) {
	props := map[string]string{"KEYS": "a", "TAGS": "b", "REAL_TOPIC": "t|x"}
	require.Equal(t, props, UnmarshalProperties(MarshalProperties(props)))
	require.Empty(t, UnmarshalProperties(""))
	require.Equal(t, "", MarshalProperties(nil))
}

func TestCompressionRoundTrip(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog, twice over the lazy dog")
	for _, typ := range []int32{CompressionLZ4, CompressionZstd, CompressionZlib, CompressionSnappy} {
		packed, err := CompressBody(typ, body)
		require.NoError(t, err, "type %d", typ)

		sysFlag := WithCompression(0, typ)
		require.Equal(t, typ, CompressionType(sysFlag))

		got, err := DecompressBody(sysFlag, packed)
		require.NoError(t, err, "type %d", typ)
		require.Equal(t, body, got, "type %d", typ)
	}
}

func TestDecompressUncompressedPassthrough(t *testing.T) {
	body := []byte("plain")
	got, err := DecompressBody(0, body)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestClearCompression(t *testing.T) {
	sysFlag := WithCompression(FlagBornHostV6, CompressionZstd)
	cleared := ClearCompression(sysFlag)
	require.Equal(t, FlagBornHostV6, cleared)
	require.Equal(t, int32(0), CompressionType(cleared))
}
