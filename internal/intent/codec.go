package intent

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf8"

	xerrors "IntentHub/internal/errors"
)

// Envelope layout: [version:1][tag_len:1][tag][payload_len:4 BE][payload]
const (
	headerLen       = 2
	payloadLenBytes = 4

	// DefaultMaxPayload 是未配置时允许的最大负载字节数。
	DefaultMaxPayload = 64 * 1024
)

// DefaultVersions 是默认支持的信封版本：1 为文本键值负载，2 为 ABI 编码负载。
var DefaultVersions = []uint8{1, 2}

const (
	CodeUnknownVersion  xerrors.Code = "CODEC_UNKNOWN_VERSION"
	CodeTruncated       xerrors.Code = "CODEC_TRUNCATED"
	CodeInvalidAction   xerrors.Code = "CODEC_INVALID_ACTION"
	CodePayloadTooLarge xerrors.Code = "CODEC_PAYLOAD_TOO_LARGE"
)

var (
	// ErrUnknownVersion 表示信封版本不在支持集合内。
	ErrUnknownVersion = xerrors.New(CodeUnknownVersion, "unsupported envelope version")
	// ErrTruncated 表示信封长度与声明不符。
	ErrTruncated = xerrors.New(CodeTruncated, "envelope truncated")
	// ErrInvalidAction 表示动作标签格式非法。
	ErrInvalidAction = xerrors.New(CodeInvalidAction, "invalid action tag")
	// ErrPayloadTooLarge 表示声明的负载长度超过上限。
	ErrPayloadTooLarge = xerrors.New(CodePayloadTooLarge, "payload exceeds size limit")
)

func init() {
	xerrors.Register(CodeUnknownVersion, xerrors.Attributes{Message: "unsupported envelope version", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTruncated, xerrors.Attributes{Message: "envelope truncated", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidAction, xerrors.Attributes{Message: "invalid action tag", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePayloadTooLarge, xerrors.Attributes{Message: "payload exceeds size limit", Severity: xerrors.SeverityWarning})
}

// IsCodecError 判断错误是否来自信封编解码。
func IsCodecError(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeUnknownVersion, CodeTruncated, CodeInvalidAction, CodePayloadTooLarge:
		return true
	default:
		return false
	}
}

// Codec 负责信封与 Intent 之间的转换。Codec 构造后只读，可并发使用。
type Codec struct {
	versions   map[uint8]struct{}
	maxPayload uint32
}

// CodecOption 定义可选配置。
type CodecOption func(*Codec)

// WithVersions 替换支持的版本集合。
func WithVersions(versions ...uint8) CodecOption {
	return func(c *Codec) {
		if len(versions) == 0 {
			return
		}
		c.versions = make(map[uint8]struct{}, len(versions))
		for _, v := range versions {
			c.versions[v] = struct{}{}
		}
	}
}

// WithMaxPayload 设置负载长度上限。
func WithMaxPayload(limit int) CodecOption {
	return func(c *Codec) {
		if limit > 0 {
			c.maxPayload = uint32(limit)
		}
	}
}

// NewCodec 构造 Codec。
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{maxPayload: DefaultMaxPayload}
	WithVersions(DefaultVersions...)(c)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Versions 返回支持的版本，升序。
func (c *Codec) Versions() []uint8 {
	out := make([]uint8, 0, len(c.versions))
	for v := range c.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MaxPayload 返回负载长度上限。
func (c *Codec) MaxPayload() int { return int(c.maxPayload) }

// Decode 解析原始信封。返回的 Intent.ID 为 DeriveID(raw)，调用方可用传输层 ID 覆盖。
// 在读取负载前先校验头部，任何声明长度都不会触发超出输入的分配。
func (c *Codec) Decode(raw []byte) (Intent, error) {
	if len(raw) < headerLen {
		return Intent{}, xerrors.New(CodeTruncated, fmt.Sprintf("header needs %d bytes, got %d", headerLen, len(raw)))
	}
	version := raw[0]
	if _, ok := c.versions[version]; !ok {
		return Intent{}, xerrors.New(CodeUnknownVersion, fmt.Sprintf("version %d not supported", version))
	}

	tagLen := int(raw[1])
	if tagLen == 0 || tagLen > MaxActionLen {
		return Intent{}, xerrors.New(CodeInvalidAction, fmt.Sprintf("action tag length %d out of range 1..%d", tagLen, MaxActionLen))
	}
	offset := headerLen
	if len(raw) < offset+tagLen {
		return Intent{}, xerrors.New(CodeTruncated, fmt.Sprintf("action tag needs %d bytes, got %d", tagLen, len(raw)-offset))
	}
	tag := raw[offset : offset+tagLen]
	if !utf8.Valid(tag) {
		return Intent{}, xerrors.New(CodeInvalidAction, "action tag is not valid UTF-8")
	}
	offset += tagLen

	if len(raw) < offset+payloadLenBytes {
		return Intent{}, xerrors.New(CodeTruncated, "missing payload length")
	}
	declared := binary.BigEndian.Uint32(raw[offset : offset+payloadLenBytes])
	offset += payloadLenBytes
	if declared > c.maxPayload {
		return Intent{}, xerrors.New(CodePayloadTooLarge, fmt.Sprintf("declared payload %d bytes exceeds limit %d", declared, c.maxPayload))
	}
	available := len(raw) - offset
	if int(declared) > available {
		return Intent{}, xerrors.New(CodeTruncated, fmt.Sprintf("declared payload %d bytes, %d available", declared, available))
	}
	if int(declared) < available {
		return Intent{}, xerrors.New(CodeTruncated, fmt.Sprintf("%d trailing bytes after payload", available-int(declared)))
	}

	payload := make([]byte, declared)
	copy(payload, raw[offset:])
	return Intent{
		ID:      DeriveID(raw),
		Action:  Action(tag),
		Version: version,
		Payload: payload,
	}, nil
}

// Encode 将 Intent 序列化为信封，用于出站转发。ID 不参与编码。
func (c *Codec) Encode(in Intent) ([]byte, error) {
	if _, ok := c.versions[in.Version]; !ok {
		return nil, xerrors.New(CodeUnknownVersion, fmt.Sprintf("version %d not supported", in.Version))
	}
	if err := in.Action.Validate(); err != nil {
		return nil, err
	}
	if uint64(len(in.Payload)) > uint64(c.maxPayload) {
		return nil, xerrors.New(CodePayloadTooLarge, fmt.Sprintf("payload %d bytes exceeds limit %d", len(in.Payload), c.maxPayload))
	}

	buf := make([]byte, 0, headerLen+len(in.Action)+payloadLenBytes+len(in.Payload))
	buf = append(buf, in.Version, byte(len(in.Action)))
	buf = append(buf, in.Action...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(in.Payload)))
	buf = append(buf, in.Payload...)
	return buf, nil
}
