package ops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// FileCheck reports healthy while path names a readable regular file.
// Used for the rules file the compiler reads on every reload.
func FileCheck(path string) CheckFunc {
	return func() Check {
		info, err := os.Stat(path)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		if info.IsDir() {
			return Check{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s is a directory", path),
			}
		}
		return Check{Status: StatusHealthy}
	}
}

// BinaryCheck reports healthy while the engine command resolves to an
// executable. Bare names go through PATH lookup, anything with a path
// separator is stat'ed directly.
func BinaryCheck(command string) CheckFunc {
	return func() Check {
		if command == "" {
			return Check{Status: StatusUnhealthy, Message: "no command configured"}
		}
		if strings.ContainsRune(command, os.PathSeparator) {
			if _, err := os.Stat(command); err != nil {
				return Check{Status: StatusUnhealthy, Message: err.Error()}
			}
			return Check{Status: StatusHealthy}
		}
		if _, err := exec.LookPath(command); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// PingCheck adapts a context-taking ping (redis, vault) into a check.
// A failed ping degrades rather than kills readiness when critical is
// false.
func PingCheck(ping func(context.Context) error, timeout time.Duration, critical bool) CheckFunc {
	down := StatusDegraded
	if critical {
		down = StatusUnhealthy
	}
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			return Check{Status: down, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}
