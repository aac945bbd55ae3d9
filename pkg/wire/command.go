package wire

import (
	"encoding/json"
	"fmt"
	"io"
)

// Request codes the gateway dispatches on.
const (
	SendMessage         int16 = 10
	PullMessage         int16 = 11
	GetRouteInfoByTopic int16 = 105
	GetBrokerClusterInfo int16 = 106
	HeartBeat           int16 = 34
	UnregisterClient    int16 = 35
	ConsumerSendMsgBack int16 = 36
	SendMessageV2       int16 = 310
	SendBatchMessage    int16 = 320
)

// Response codes.
const (
	Success                   int16 = 0
	SystemError               int16 = 1
	SystemBusy                int16 = 2
	RequestCodeNotSupported   int16 = 3
	FlushDiskTimeout          int16 = 10
	SlaveNotAvailable         int16 = 11
	FlushSlaveTimeout         int16 = 12
	MessageIllegal            int16 = 13
	ServiceNotAvailable       int16 = 14
	VersionNotSupported       int16 = 15
	NoPermission              int16 = 16
	TopicNotExist             int16 = 17
	TopicExistAlready         int16 = 18
	PullNotFound              int16 = 19
	PullRetryImmediately      int16 = 20
	PullOffsetMoved           int16 = 21
	QueryNotFound             int16 = 22
	SubscriptionParseFailed   int16 = 23
	SubscriptionNotExist      int16 = 24
	SubscriptionNotLatest     int16 = 25
	SubscriptionGroupNotExist int16 = 26
)

// Protocol versions carried in Command.Version. V3_4_9 is the first version
// whose send header may override the group retry maximum.
const (
	VersionV349 = 252
)

// Command flag bits.
const (
	flagResponse = 1 << 0
	flagOneway   = 1 << 1
)

// Header serialization types, carried in the top byte of the header-length
// word.
const (
	SerdeJSON     byte = 0
	SerdeRocketMQ byte = 1
)

// LanguageGo is the language code this gateway stamps on responses.
const LanguageGo byte = 9

// Command is one remoting frame: a request or a response.
type Command struct {
	Code      int16
	Language  byte
	Version   int16
	Opaque    int32
	Flag      int32
	Remark    string
	ExtFields map[string]string
	Body      []byte

	// Serde records which header serialization the frame arrived with;
	// responses are written back with the same one.
	Serde byte
}

// NewRequest returns a request command with the given code and header fields.
func NewRequest(code int16, ext map[string]string) *Command {
	return &Command{Code: code, Language: LanguageGo, ExtFields: ext}
}

// NewResponse returns a response command answering req with the given code
// and remark.
func NewResponse(req *Command, code int16, remark string) *Command {
	return &Command{
		Code:      code,
		Language:  LanguageGo,
		Opaque:    req.Opaque,
		Flag:      flagResponse,
		Remark:    remark,
		ExtFields: make(map[string]string),
		Serde:     req.Serde,
	}
}

// IsResponse reports whether the frame is a response.
func (c *Command) IsResponse() bool { return c.Flag&flagResponse != 0 }

// IsOneway reports whether the sender expects no response.
func (c *Command) IsOneway() bool { return c.Flag&flagOneway != 0 }

// MarkOneway sets the oneway bit.
func (c *Command) MarkOneway() { c.Flag |= flagOneway }

// jsonHeader is the JSON shape of the command header. Body is carried
// outside the header in both serializations.
type jsonHeader struct {
	Code      int16             `json:"code"`
	Language  string            `json:"language"`
	Version   int16             `json:"version"`
	Opaque    int32             `json:"opaque"`
	Flag      int32             `json:"flag"`
	Remark    string            `json:"remark,omitempty"`
	ExtFields map[string]string `json:"extFields,omitempty"`
}

var languageNames = map[byte]string{0: "JAVA", 1: "CPP", 2: "DOTNET", 3: "PYTHON", 9: "GO"}

func languageCode(name string) byte {
	for code, n := range languageNames {
		if n == name {
			return code
		}
	}
	return LanguageGo
}

var cmdBufs = newBufPool()

// AppendFrame appends the full on-wire frame for c: 4-byte total length,
// 4-byte serde-type+header-length, header, body.
func (c *Command) AppendFrame(dst []byte) ([]byte, error) {
	header, err := c.encodeHeader()
	if err != nil {
		return nil, err
	}
	if len(header) > 1<<24-1 {
		return nil, fmt.Errorf("header length %d exceeds frame limit", len(header))
	}
	w := Writer{Dst: dst}
	w.Int32(int32(4 + len(header) + len(c.Body)))
	w.Int32(int32(c.Serde)<<24 | int32(len(header)))
	w.Bytes(header)
	w.Bytes(c.Body)
	return w.Dst, nil
}

// WriteTo frames c and writes it to w in one call.
func (c *Command) WriteTo(w io.Writer) error {
	buf := cmdBufs.get()
	defer cmdBufs.put(buf)
	buf, err := c.AppendFrame(buf)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func (c *Command) encodeHeader() ([]byte, error) {
	switch c.Serde {
	case SerdeJSON:
		return json.Marshal(jsonHeader{
			Code:      c.Code,
			Language:  languageNames[c.Language],
			Version:   c.Version,
			Opaque:    c.Opaque,
			Flag:      c.Flag,
			Remark:    c.Remark,
			ExtFields: c.ExtFields,
		})
	case SerdeRocketMQ:
		return c.encodeBinaryHeader(), nil
	}
	return nil, fmt.Errorf("unknown header serialization %d", c.Serde)
}

// Binary header layout: code(2) language(1) version(2) opaque(4) flag(4)
// remark-len(4) remark ext-len(4) then repeated key-len(2) key val-len(4) val.
func (c *Command) encodeBinaryHeader() []byte {
	var w Writer
	w.Int16(c.Code)
	w.Int8(int8(c.Language))
	w.Int16(c.Version)
	w.Int32(c.Opaque)
	w.Int32(c.Flag)
	w.Int32(int32(len(c.Remark)))
	w.Bytes([]byte(c.Remark))

	var ext Writer
	for k, v := range c.ExtFields {
		ext.Int16(int16(len(k)))
		ext.Bytes([]byte(k))
		ext.Int32(int32(len(v)))
		ext.Bytes([]byte(v))
	}
	w.Int32(int32(len(ext.Dst)))
	w.Bytes(ext.Dst)
	return w.Dst
}

// ReadFrame reads one length-prefixed frame from r and decodes it. maxFrame
// bounds the total frame size; oversized frames kill the read with an error
// so the connection can be dropped.
func ReadFrame(r io.Reader, maxFrame int32) (*Command, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(uint32(sizeBuf[0])<<24 | uint32(sizeBuf[1])<<16 | uint32(sizeBuf[2])<<8 | uint32(sizeBuf[3]))
	if size < 4 {
		return nil, ErrNotEnoughData
	}
	if size > maxFrame {
		return nil, fmt.Errorf("frame size %d exceeds limit %d", size, maxFrame)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return Decode(buf)
}

// Decode decodes a frame that has already been stripped of its 4-byte total
// length prefix.
func Decode(buf []byte) (*Command, error) {
	rd := Reader{Src: buf}
	mark := rd.Int32()
	serde := byte(mark >> 24)
	headerLen := int(mark & 0xFFFFFF)
	header := rd.Bytes(headerLen)
	if err := rd.Complete(); err != nil {
		return nil, err
	}
	c := &Command{Serde: serde, Body: rd.Src}
	if len(c.Body) == 0 {
		c.Body = nil
	}
	switch serde {
	case SerdeJSON:
		var h jsonHeader
		if err := json.Unmarshal(header, &h); err != nil {
			return nil, err
		}
		c.Code = h.Code
		c.Language = languageCode(h.Language)
		c.Version = h.Version
		c.Opaque = h.Opaque
		c.Flag = h.Flag
		c.Remark = h.Remark
		c.ExtFields = h.ExtFields
	case SerdeRocketMQ:
		if err := c.decodeBinaryHeader(header); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown header serialization %d", serde)
	}
	if c.ExtFields == nil {
		c.ExtFields = make(map[string]string)
	}
	return c, nil
}

func (c *Command) decodeBinaryHeader(header []byte) error {
	rd := Reader{Src: header}
	c.Code = rd.Int16()
	c.Language = byte(rd.Int8())
	c.Version = rd.Int16()
	c.Opaque = rd.Int32()
	c.Flag = rd.Int32()
	c.Remark = string(rd.Bytes(int(rd.Int32())))
	extLen := int(rd.Int32())
	ext := Reader{Src: rd.Bytes(extLen)}
	if err := rd.Complete(); err != nil {
		return err
	}
	if len(rd.Src) != 0 {
		return ErrTooMuchData
	}
	c.ExtFields = make(map[string]string)
	for len(ext.Src) > 0 {
		k := string(ext.Bytes(int(ext.Int16())))
		v := string(ext.Bytes(int(ext.Int32())))
		if err := ext.Complete(); err != nil {
			return err
		}
		c.ExtFields[k] = v
	}
	return nil
}
