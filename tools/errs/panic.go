package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

const CodeInternal = "InternalServerError"

func ErrPanic(r any) error {
	return ErrPanicMsg(r, CodeInternal, "panic error")
}

func ErrPanicMsg(r any, code, msg string) error {
	if r == nil {
		return nil
	}
	err := &CodeError{
		Code:   code,
		Msg:    msg,
		Detail: fmt.Sprint(r),
	}
	return errors.WithStack(err)
}
