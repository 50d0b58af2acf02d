package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Engine error codes. Codes are part of the wire contract: the gateway
// forwards them verbatim in error frames.
const (
	CodeAuth             = 1001 // handshake rejected, connection never registered
	CodeProtocol         = 1002 // malformed frame, scoped to one connection
	CodeNotParticipant   = 1003 // conversation action by a non-member
	CodeStoreUnavailable = 1004 // retryable, no partial state change
	CodeQueueFull        = 1005 // outbound queue overflow, event dropped
)

var (
	ErrAuth             = NewCodeError(CodeAuth, "authentication failed")
	ErrProtocol         = NewCodeError(CodeProtocol, "malformed frame")
	ErrNotParticipant   = NewCodeError(CodeNotParticipant, "not a conversation participant")
	ErrStoreUnavailable = NewCodeError(CodeStoreUnavailable, "conversation store unavailable")
	ErrQueueFull        = NewCodeError(CodeQueueFull, "outbound queue full")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Msg)
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
}

// WithDetail returns a copy carrying extra detail; the original sentinel is
// never mutated.
func (e *CodeError) WithDetail(detail string) *CodeError {
	c := e.clone()
	if c.Detail == "" {
		c.Detail = detail
	} else {
		c.Detail += ", " + detail
	}
	return c
}

// WrapMsg attaches detail and a stack trace in one go.
func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	return errors.WithStack(e.WithDetail(toString(msg, kv)))
}

// Is matches by code so wrapped and detailed copies still compare equal to
// the sentinels via errors.Is.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// Code extracts the engine code from err, or 0 when err carries none.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// Retryable reports whether the client may resubmit the same operation with
// the same idempotency token.
func Retryable(err error) bool {
	return Code(err) == CodeStoreUnavailable
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i > 0 || msg != "" {
			sb.WriteString(" ")
		}
		key := fmt.Sprint(kv[i])
		var val any = "missing"
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(fmt.Sprint(val))
	}
	return sb.String()
}
