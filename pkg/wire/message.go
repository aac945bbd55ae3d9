package wire

import (
	"fmt"
	"hash/crc32"
	"net"
	"strings"
)

// MagicCode marks every on-wire message frame.
const MagicCode int32 = -626843481

// System flag bits.
const (
	FlagCompressed     int32 = 1 << 0
	FlagMultiTags      int32 = 1 << 1
	FlagTransactionPrepared int32 = 1 << 2
	FlagTransactionCommit   int32 = 1 << 3
	FlagBornHostV6     int32 = 1 << 4
	FlagStoreHostV6    int32 = 1 << 5

	// Compression type lives in bits 8..10 and is meaningful only when
	// FlagCompressed is set.
	compressionShift = 8
	compressionMask  int32 = 0x7 << compressionShift
)

// Pull-request system flag bits (the sysFlag of a pull header, distinct from
// a message's sysFlag).
const (
	PullFlagCommitOffset int32 = 1 << 0
	PullFlagSuspend      int32 = 1 << 1
	PullFlagSubscription int32 = 1 << 2
	PullFlagClassFilter  int32 = 1 << 3
)

// Well-known property keys.
const (
	PropKeys           = "KEYS"
	PropTags           = "TAGS"
	PropDelayLevel     = "DELAY"
	PropRealTopic      = "REAL_TOPIC"
	PropRealQueueID    = "REAL_QID"
	PropRetryTopic     = "RETRY_TOPIC"
	PropReconsumeTime  = "RECONSUME_TIME"
	PropMaxReconsume   = "MAX_RECONSUME_TIMES"
	PropUniqKey        = "UNIQ_KEY"
	PropWaitStore      = "WAIT"
)

const (
	propSeparator      = '\x02'
	nameValueSeparator = '\x01'
)

// MarshalProperties joins a property map into the legacy separator form.
func MarshalProperties(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	var sb strings.Builder
	for k, v := range props {
		sb.WriteString(k)
		sb.WriteByte(nameValueSeparator)
		sb.WriteString(v)
		sb.WriteByte(propSeparator)
	}
	return sb.String()
}

// UnmarshalProperties splits the legacy separator form into a map.
func UnmarshalProperties(s string) map[string]string {
	props := make(map[string]string)
	for _, pair := range strings.Split(s, string(propSeparator)) {
		if pair == "" {
			continue
		}
		if i := strings.IndexByte(pair, nameValueSeparator); i >= 0 {
			props[pair[:i]] = pair[i+1:]
		}
	}
	return props
}

// Message is a decoded on-wire message.
type Message struct {
	Topic         string
	Flag          int32
	SysFlag       int32
	Body          []byte
	Properties    map[string]string
	QueueID       int32
	QueueOffset   int64
	PhysicalOffset int64
	BornTimestamp int64
	BornHost      net.Addr
	StoreTimestamp int64
	StoreHost     net.Addr
	ReconsumeTimes int32
	PreparedTransactionOffset int64
}

// Tag returns the message's tag property, or "".
func (m *Message) Tag() string { return m.Properties[PropTags] }

// DelayLevel returns the delay-level property, or 0.
func (m *Message) DelayLevel() int {
	var lvl int
	fmt.Sscanf(m.Properties[PropDelayLevel], "%d", &lvl)
	return lvl
}

// StoreTimestampPos returns the byte position of the storeTimestamp field in
// a frame whose born host has the given sysFlag, counted from the frame
// start. Latency metrics read the field at this fixed position without a full
// decode.
func StoreTimestampPos(sysFlag int32) int {
	// TOTALSIZE MAGIC BODYCRC QUEUEID FLAG = 4*5, QUEUEOFFSET PHYSICALOFFSET
	// = 8*2, SYSFLAG = 4, BORNTIMESTAMP = 8, then the born host.
	pos := 4*5 + 8*2 + 4 + 8
	if sysFlag&FlagBornHostV6 != 0 {
		return pos + 20
	}
	return pos + 8
}

func appendAddr(w *Writer, addr net.Addr, v6 bool) {
	ip, port := splitAddr(addr)
	if v6 {
		var b [16]byte
		copy(b[:], ip.To16())
		w.Bytes(b[:])
	} else {
		var b [4]byte
		if ip4 := ip.To4(); ip4 != nil {
			copy(b[:], ip4)
		}
		w.Bytes(b[:])
	}
	w.Int32(int32(port))
}

func splitAddr(addr net.Addr) (net.IP, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp != nil {
		return tcp.IP, tcp.Port
	}
	return net.IPv4zero, 0
}

func readAddr(r *Reader, v6 bool) net.Addr {
	n := 4
	if v6 {
		n = 16
	}
	ip := make(net.IP, n)
	copy(ip, r.Bytes(n))
	return &net.TCPAddr{IP: ip, Port: int(r.Int32())}
}

// AppendMessage appends the on-wire frame for m. Field order is fixed; the
// born and store host widths follow the v6 bits in m.SysFlag.
func AppendMessage(dst []byte, m *Message) []byte {
	props := MarshalProperties(m.Properties)
	topicLen := len(m.Topic)

	bornHostLen := 8
	if m.SysFlag&FlagBornHostV6 != 0 {
		bornHostLen = 20
	}
	storeHostLen := 8
	if m.SysFlag&FlagStoreHostV6 != 0 {
		storeHostLen = 20
	}
	total := 4 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8 + bornHostLen + 8 + storeHostLen +
		4 + 8 + 4 + len(m.Body) + 1 + topicLen + 2 + len(props)

	w := Writer{Dst: dst}
	w.Int32(int32(total))
	w.Int32(MagicCode)
	w.Int32(int32(crc32.ChecksumIEEE(m.Body)))
	w.Int32(m.QueueID)
	w.Int32(m.Flag)
	w.Int64(m.QueueOffset)
	w.Int64(m.PhysicalOffset)
	w.Int32(m.SysFlag)
	w.Int64(m.BornTimestamp)
	appendAddr(&w, m.BornHost, m.SysFlag&FlagBornHostV6 != 0)
	w.Int64(m.StoreTimestamp)
	appendAddr(&w, m.StoreHost, m.SysFlag&FlagStoreHostV6 != 0)
	w.Int32(m.ReconsumeTimes)
	w.Int64(m.PreparedTransactionOffset)
	w.Int32(int32(len(m.Body)))
	w.Bytes(m.Body)
	w.Int8(int8(topicLen))
	w.Bytes([]byte(m.Topic))
	w.Int16(int16(len(props)))
	w.Bytes([]byte(props))
	return w.Dst
}

// DecodeMessage decodes one frame from buf, returning the message and the
// number of bytes consumed.
func DecodeMessage(buf []byte) (*Message, int, error) {
	rd := Reader{Src: buf}
	total := rd.Int32()
	magic := rd.Int32()
	if magic != MagicCode {
		return nil, 0, fmt.Errorf("bad magic code %#x", uint32(magic))
	}
	m := new(Message)
	rd.Int32() // body crc, trusted here; verified by consumers
	m.QueueID = rd.Int32()
	m.Flag = rd.Int32()
	m.QueueOffset = rd.Int64()
	m.PhysicalOffset = rd.Int64()
	m.SysFlag = rd.Int32()
	m.BornTimestamp = rd.Int64()
	m.BornHost = readAddr(&rd, m.SysFlag&FlagBornHostV6 != 0)
	m.StoreTimestamp = rd.Int64()
	m.StoreHost = readAddr(&rd, m.SysFlag&FlagStoreHostV6 != 0)
	m.ReconsumeTimes = rd.Int32()
	m.PreparedTransactionOffset = rd.Int64()
	m.Body = rd.Bytes(int(rd.Int32()))
	m.Topic = string(rd.Bytes(int(rd.Int8())))
	m.Properties = UnmarshalProperties(string(rd.Bytes(int(rd.Int16()))))
	if err := rd.Complete(); err != nil {
		return nil, 0, err
	}
	return m, int(total), nil
}

// DecodeMessages decodes a concatenation of frames, as carried in a batch
// send body or a pull response body.
func DecodeMessages(buf []byte) ([]*Message, error) {
	var msgs []*Message
	for len(buf) > 0 {
		m, n, err := DecodeMessage(buf)
		if err != nil {
			return nil, err
		}
		if n <= 0 || n > len(buf) {
			return nil, ErrNotEnoughData
		}
		msgs = append(msgs, m)
		buf = buf[n:]
	}
	return msgs, nil
}
