package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// CodeError is an error that carries a wire statuscode name (e.g. "Syntax").
type CodeError struct {
	Code   string `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) WithDetail(detail string) *CodeError {
	retErr := e.clone()
	if retErr.Detail == "" {
		retErr.Detail = detail
	} else {
		retErr.Detail += ", " + detail
	}
	return retErr
}

// Wrap returns a copy of e with a stack trace attached.
func (e *CodeError) Wrap() error {
	return errors.WithStack(e.clone())
}

func (e *CodeError) WrapMsg(msg string, kv ...any) error {
	if msg == "" && len(kv) == 0 {
		return errors.WithStack(e.clone())
	}
	return errors.WithStack(e.WithDetail(toString(msg, kv)))
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

// Is matches any CodeError with the same code.
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, e.Code, e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// As finds the first CodeError in err's chain.
func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the statuscode name carried by err, or fallback.
func CodeOf(err error, fallback string) string {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return fallback
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
