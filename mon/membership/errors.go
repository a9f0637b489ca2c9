package membership

import (
	"errors"
	"fmt"
)

type Code string

const (
	EINVAL Code = "EINVAL"
	ENOENT Code = "ENOENT"
	EEXIST Code = "EEXIST"
	EBUSY  Code = "EBUSY"
	EPERM  Code = "EPERM"
	// EAGAIN marks contention with a change staged this round; the
	// stimulus is retried against the next round instead of failing.
	EAGAIN Code = "EAGAIN"
)

// Rejection is returned by handlers for stimuli that must not be staged.
type Rejection struct {
	Code   Code
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

func reject(code Code, format string, args ...interface{}) error {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func CodeOf(err error) (Code, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code, true
	}
	return "", false
}

func IsContention(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == EAGAIN
}
