package worker

import "strings"

// nonRetryable lists error-text fragments for failure classes where retrying
// is known to be futile: the binary is missing, unreadable, or fundamentally
// misconfigured. Restarting cannot fix any of these.
var nonRetryable = []string{
	"executable file not found", // exec.ErrNotFound wrapping
	"no such file or directory", // ENOENT
	"permission denied",         // EACCES
	"invalid argument",          // EINVAL from fork/exec
	"not a directory",           // bad workdir
	"cannot find module",        // node worker missing dependency
	"module_not_found",
}

// IsNonRetryable reports whether the error text matches a failure class that
// must short-circuit further restart attempts.
func IsNonRetryable(errText string) bool {
	if errText == "" {
		return false
	}
	lower := strings.ToLower(errText)
	for _, frag := range nonRetryable {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
