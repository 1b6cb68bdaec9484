package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"

	apperrors "github.com/kimhsiao/caresync/internal/errors"
)

// retryabler is implemented by errors that know whether a retry can help,
// such as HTTP status errors and open-circuit rejections.
type retryabler interface {
	Retryable() bool
}

// Signatures match whole words only, so "5000" or "geofence" match nothing.
var (
	terminalSignatures = signatures(
		"not found",
		"validation",
		"invalid",
		"bad request",
		"unprocessable",
		"forbidden",
		"unauthorized",
	)
	retryableSignatures = signatures(
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"broken pipe",
		"eof",
		"no such host",
		"network is unreachable",
		"500",
		"502",
		"503",
		"504",
		"429",
		"too many requests",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"starting up",
		"shutting down",
	)
)

func signatures(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Cancellation, terminal business errors and unknown errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if apperrors.IsTerminal(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	if terminalSignatures.MatchString(msg) {
		return false
	}
	return retryableSignatures.MatchString(msg)
}
