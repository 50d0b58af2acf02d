package wire

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"

	"relaychat/tools/errs"
)

// Inbound frame types (client -> server).
const (
	TypeSend        = "send"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeMarkRead    = "mark_read"
	TypeHeartbeat   = "heartbeat"
	TypeResume      = "resume"
	TypeHistory     = "history"
	TypePresenceSub = "presence_sub"
)

// Outbound frame types (server -> client).
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypePresence    = "presence"
	TypeAck         = "ack"
	TypeError       = "error"
)

// Frame is the envelope of every inbound event. Payload stays untyped until
// the handler decodes it into the matching payload struct.
type Frame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrProtocol.WithDetail("bad json: " + err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrProtocol.WithDetail("missing type")
	}
	return &f, nil
}

type SendPayload struct {
	Content string `json:"content" mapstructure:"content"`
	Token   string `json:"token" mapstructure:"token"`
}

type MarkReadPayload struct {
	Sequence int64 `json:"sequence" mapstructure:"sequence"`
}

type ResumePayload struct {
	LastSequence int64 `json:"last_sequence" mapstructure:"last_sequence"`
}

type HistoryPayload struct {
	Before int64 `json:"before" mapstructure:"before"`
	Limit  int   `json:"limit" mapstructure:"limit"`
}

type PresenceSubPayload struct {
	Identities []string `json:"identities" mapstructure:"identities"`
}

// DecodePayload maps the untyped payload onto T, rejecting type mismatches
// as protocol errors.
func DecodePayload[T any](f *Frame) (*T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, errs.ErrProtocol.WithDetail(err.Error())
	}
	if err := dec.Decode(f.Payload); err != nil {
		return nil, errs.ErrProtocol.WithDetail("bad payload: " + err.Error())
	}
	return &out, nil
}

// ---- outbound frames ----

type MessageFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Sequence       int64  `json:"sequence"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Replay         bool   `json:"replay,omitempty"`
}

type TypingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Identity       string `json:"identity"`
	Active         bool   `json:"active"`
}

type ReadReceiptFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Reader         string `json:"reader"`
	UpTo           int64  `json:"up_to"`
}

type PresenceFrame struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Status   string `json:"status"` // online | offline
	LastSeen int64  `json:"last_seen"`
}

type AckFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Token          string `json:"token"`
	Sequence       int64  `json:"sequence"`
	Status         string `json:"status"` // sent
}

type ErrorFrame struct {
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Token     string `json:"token,omitempty"`
	Retryable bool   `json:"retryable"`
}

func NewMessageFrame(conv string, seq int64, sender, content string, ts int64, replay bool) *MessageFrame {
	return &MessageFrame{
		Type: TypeMessage, ConversationID: conv, Sequence: seq,
		Sender: sender, Content: content, Timestamp: ts, Replay: replay,
	}
}

func NewTypingFrame(conv, identity string, active bool) *TypingFrame {
	return &TypingFrame{Type: TypeTyping, ConversationID: conv, Identity: identity, Active: active}
}

func NewReadReceiptFrame(conv, reader string, upTo int64) *ReadReceiptFrame {
	return &ReadReceiptFrame{Type: TypeReadReceipt, ConversationID: conv, Reader: reader, UpTo: upTo}
}

func NewPresenceFrame(identity, status string, lastSeen int64) *PresenceFrame {
	return &PresenceFrame{Type: TypePresence, Identity: identity, Status: status, LastSeen: lastSeen}
}

func NewAckFrame(conv, token string, seq int64) *AckFrame {
	return &AckFrame{Type: TypeAck, ConversationID: conv, Token: token, Sequence: seq, Status: "sent"}
}

func NewErrorFrame(code int, msg, token string, retryable bool) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Msg: msg, Token: token, Retryable: retryable}
}

// Encode marshals any outbound frame; a frame the engine built itself never
// fails to marshal, so the error path only guards programmer mistakes.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("wire: unencodable frame: " + err.Error())
	}
	return b
}
