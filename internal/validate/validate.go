package validate

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// shellMeta are characters that would change meaning if the command string
// ever reached a shell. Workers are exec'd directly, never through a shell,
// so any of these in the command name is an injection attempt or a typo.
const shellMeta = "|&;<>*?`$\"'(){}[]~\n\r"

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Error is a command rejection with the offending field and a reason suitable
// for storing as a worker's lastError.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("command validation failed: %s: %s", e.Field, e.Reason)
}

// Validator decides whether a command, its arguments, and its environment
// overlay are safe to execute. A non-empty AllowedCommands restricts the
// executable to the listed base names.
type Validator struct {
	AllowedCommands []string
}

// Check returns nil when the launch spec is safe, or an *Error naming the
// first problem found.
func (v *Validator) Check(command string, args []string, env map[string]string) error {
	if err := v.checkCommand(command); err != nil {
		return err
	}
	for i, a := range args {
		if strings.ContainsRune(a, 0) {
			return &Error{Field: fmt.Sprintf("args[%d]", i), Reason: "contains NUL byte"}
		}
		if strings.Contains(a, "`") || strings.Contains(a, "$(") {
			return &Error{Field: fmt.Sprintf("args[%d]", i), Reason: "contains command substitution"}
		}
	}
	for k, val := range env {
		if !envKeyRe.MatchString(k) {
			return &Error{Field: "env", Reason: fmt.Sprintf("invalid variable name %q", k)}
		}
		if strings.ContainsRune(val, 0) {
			return &Error{Field: "env", Reason: fmt.Sprintf("value of %q contains NUL byte", k)}
		}
	}
	return nil
}

func (v *Validator) checkCommand(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return &Error{Field: "command", Reason: "empty"}
	}
	if strings.ContainsAny(command, shellMeta) {
		return &Error{Field: "command", Reason: "contains shell metacharacters"}
	}
	if strings.ContainsAny(command, " \t") {
		return &Error{Field: "command", Reason: "contains whitespace; pass arguments separately"}
	}
	if strings.Contains(command, "..") {
		return &Error{Field: "command", Reason: "contains path traversal"}
	}
	if filepath.IsAbs(command) {
		if filepath.Clean(command) != command {
			return &Error{Field: "command", Reason: "not a clean absolute path"}
		}
	} else if strings.ContainsRune(command, filepath.Separator) {
		return &Error{Field: "command", Reason: "relative paths are not allowed"}
	} else if _, err := exec.LookPath(command); err != nil {
		return &Error{Field: "command", Reason: fmt.Sprintf("not found on PATH: %v", err)}
	}
	if len(v.AllowedCommands) > 0 && !v.allowed(command) {
		return &Error{Field: "command", Reason: fmt.Sprintf("%q is not in the allow list", filepath.Base(command))}
	}
	return nil
}

func (v *Validator) allowed(command string) bool {
	base := filepath.Base(command)
	for _, a := range v.AllowedCommands {
		if a == base {
			return true
		}
	}
	return false
}
