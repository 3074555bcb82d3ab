package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/danshapiro/robotflow/internal/failure"
)

const DefaultCommandTimeout = 10 * time.Minute

// Command describes one external CLI call.
type Command struct {
	Argv []string
	Dir  string
	// Env is appended to the parent environment.
	Env     []string
	Timeout time.Duration
	// SuccessMarkers, when set, must appear in the output of a zero exit for the
	// call to count as a success.
	SuccessMarkers []string
	// ExitCategory is attached to a non-zero exit. Empty leaves it to the
	// classifier.
	ExitCategory failure.Category
}

// RunCommand runs cmd once and captures stdout and stderr into one stream.
func RunCommand(ctx context.Context, cmd Command) (Payload, error) {
	if len(cmd.Argv) == 0 || strings.TrimSpace(cmd.Argv[0]) == "" {
		return Payload{}, failure.Newf(failure.ValidationFailure, "empty command")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(cctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	// No caller can answer an interactive prompt.
	c.Stdin = strings.NewReader("")
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf
	// Grandchildren may hold the output pipe open after a kill.
	c.WaitDelay = time.Second

	runErr := c.Run()
	out := buf.String()
	p := Payload{Output: out}

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return p, &failure.Error{
			Category: failure.ProcessFailure,
			Message:  fmt.Sprintf("%s timed out after %s", cmd.Argv[0], timeout),
			ExitCode: -1,
			Output:   out,
			Err:      cctx.Err(),
		}
	}
	if runErr != nil {
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			return p, &failure.Error{
				Category: failure.ProcessFailure,
				Message:  fmt.Sprintf("cannot start %s: %v", cmd.Argv[0], execErr.Err),
				ExitCode: -1,
				Err:      runErr,
			}
		}
		exitCode := -1
		if c.ProcessState != nil {
			exitCode = c.ProcessState.ExitCode()
		}
		return p, &failure.Error{
			Category: cmd.ExitCategory,
			Message:  fmt.Sprintf("%s exited with status %d", cmd.Argv[0], exitCode),
			ExitCode: exitCode,
			Output:   out,
			Err:      runErr,
		}
	}

	if len(cmd.SuccessMarkers) > 0 && !containsAnyMarker(out, cmd.SuccessMarkers) {
		return p, &failure.Error{
			Category: failure.ProcessFailure,
			Message:  fmt.Sprintf("%s output did not report success (expected one of %q)", cmd.Argv[0], cmd.SuccessMarkers),
			Output:   out,
		}
	}
	return p, nil
}

func containsAnyMarker(out string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(out, m) {
			return true
		}
	}
	return false
}

// Truncate keeps the head and tail of s when it is longer than n bytes. Cuts
// land on rune boundaries, so the result may be a few bytes shorter than n.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	const marker = "\n...[truncated]...\n"
	if n <= len(marker)+2 {
		return s[:runeFloor(s, n)]
	}
	keep := n - len(marker)
	head := runeFloor(s, keep/2)
	tail := len(s) - (keep - keep/2)
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + marker + s[tail:]
}

// runeFloor moves i back to the start of the rune it falls in.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// MaxSummaryChars bounds payload text copied into reports and events.
const MaxSummaryChars = 30_000

// Summary returns the payload output bounded for reporting.
func (p Payload) Summary() string {
	return Truncate(p.Output, MaxSummaryChars)
}
