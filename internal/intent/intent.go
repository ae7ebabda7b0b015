package intent

import (
	"fmt"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "IntentHub/internal/errors"
)

// Action 是意图的动作标签，例如 LEND、SWAP。
type Action string

const (
	ActionLend Action = "LEND"
	ActionSwap Action = "SWAP"
	ActionLog  Action = "LOG"
)

// MaxActionLen 是动作标签允许的最大字节数。
const MaxActionLen = 64

// Validate 检查动作标签的格式：非空、不超过 MaxActionLen 字节且为合法 UTF-8。
// 标签是否已注册由 registry 决定，而不是这里。
func (a Action) Validate() error {
	if len(a) == 0 {
		return xerrors.New(CodeInvalidAction, "action tag is empty")
	}
	if len(a) > MaxActionLen {
		return xerrors.New(CodeInvalidAction, fmt.Sprintf("action tag length %d exceeds %d", len(a), MaxActionLen))
	}
	if !utf8.ValidString(string(a)) {
		return xerrors.New(CodeInvalidAction, "action tag is not valid UTF-8")
	}
	return nil
}

func (a Action) String() string { return string(a) }

// Intent 是解码后的跨链动作指令，每条入站消息构造一次。
type Intent struct {
	ID      string `json:"id"`
	Action  Action `json:"action"`
	Version uint8  `json:"version"`
	Payload []byte `json:"payload"`
}

// Message 是传输层交给路由器的原始消息。ID 为空时由信封内容派生。
// Source 标识提交方（API 调用方名称或队列类型），只用于审计。
type Message struct {
	ID     string
	Body   []byte
	Source string
}

// DeriveID 以 keccak256(raw) 作为消息标识，相同字节总是得到相同的 ID。
func DeriveID(raw []byte) string {
	return hexutil.Encode(crypto.Keccak256(raw))
}
