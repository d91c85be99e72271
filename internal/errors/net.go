package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ClassifyNet maps a network error to a transport code. Errors that are not
// recognisably transport failures return CodeUnknown.
func ClassifyNet(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeUnknown
	case stderrors.Is(err, context.Canceled):
		return CodeCanceled
	case stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, os.ErrDeadlineExceeded),
		stderrors.Is(err, syscall.ETIMEDOUT):
		return CodeTimeout
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused
	case stderrors.Is(err, syscall.ECONNRESET),
		stderrors.Is(err, syscall.ECONNABORTED),
		stderrors.Is(err, syscall.EPIPE),
		stderrors.Is(err, net.ErrClosed):
		return CodeConnectionReset
	case stderrors.Is(err, syscall.ENETUNREACH),
		stderrors.Is(err, syscall.EHOSTUNREACH),
		stderrors.Is(err, syscall.ENETDOWN),
		stderrors.Is(err, syscall.EHOSTDOWN):
		return CodeNetworkUnreachable
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeUnknown
}

// IsTruncation reports whether err means the peer stopped sending mid-frame.
func IsTruncation(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF)
}
