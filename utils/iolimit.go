package utils

import (
	"errors"
	"fmt"
	"io"
)

// ErrIOLimitReached signals that a bounded read or copy hit its cap. The
// data gathered up to the cap is still returned alongside it.
var ErrIOLimitReached = errors.New("read size limit reached")

// ReadAllLimit reads at most n bytes from r. It reads one byte past the cap
// to distinguish "exactly n" from "more than n" and returns
// ErrIOLimitReached in the latter case, with the buffer truncated to n.
func ReadAllLimit(r io.Reader, n int) ([]byte, error) {
	probe := n + 1
	buf, err := io.ReadAll(io.LimitReader(r, int64(probe)))
	if err != nil {
		return buf, err
	}
	if len(buf) >= probe {
		return buf[:n], ErrIOLimitReached
	}
	return buf, nil
}

// CopyLimit copies from src to dst until EOF or until limit bytes have been
// written, whichever comes first. If src still had data past the limit it
// returns ErrIOLimitReached.
func CopyLimit(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	n, err := io.CopyN(dst, src, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("copying: %w", err)
	}

	if n > limit {
		return n, ErrIOLimitReached
	}

	return n, nil
}
