package failure

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// Category is the fixed failure taxonomy. It drives retry eligibility and the
// remediation hint shown to the operator.
type Category string

const (
	ProcessFailure       Category = "process_failure"
	RemoteServiceFailure Category = "remote_service_failure"
	DependencyConflict   Category = "dependency_conflict"
	ValidationFailure    Category = "validation_failure"
	TestFailure          Category = "test_failure"
)

// Categories lists every category in reporting order.
func Categories() []Category {
	return []Category{ProcessFailure, RemoteServiceFailure, DependencyConflict, ValidationFailure, TestFailure}
}

func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "process_failure", "process":
		return ProcessFailure, nil
	case "remote_service_failure", "remote_service", "remote":
		return RemoteServiceFailure, nil
	case "dependency_conflict", "dependency":
		return DependencyConflict, nil
	case "validation_failure", "validation":
		return ValidationFailure, nil
	case "test_failure", "test":
		return TestFailure, nil
	default:
		return "", fmt.Errorf("invalid failure category: %q", s)
	}
}

func (c Category) Valid() bool {
	_, err := ParseCategory(string(c))
	return err == nil && c != ""
}

// DefaultRetryable reports whether a category is retried automatically when no
// policy says otherwise.
func (c Category) DefaultRetryable() bool {
	switch c {
	case ProcessFailure, RemoteServiceFailure:
		return true
	default:
		return false
	}
}

// Remediation returns the operator-facing hint for a category.
func (c Category) Remediation() string {
	switch c {
	case ProcessFailure:
		return "check the command output; retry once the external CLI is healthy"
	case RemoteServiceFailure:
		return "check network connectivity and credentials for the remote service, then retry"
	case DependencyConflict:
		return "inspect and edit the dependency descriptor (package.yaml / conda.yaml) manually"
	case ValidationFailure:
		return "fix the step arguments or the workflow definition"
	case TestFailure:
		return "fix the failing cases in the robot or action code, then re-run the tests"
	default:
		return "inspect the step output"
	}
}

// Error is a raw invocation failure. Category may be empty, in which case
// Classify decides.
type Error struct {
	Category Category
	Message  string
	ExitCode int
	Output   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "invocation failed"
	}
	if e.Category != "" {
		return fmt.Sprintf("%s: %s", e.Category, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Newf builds a categorized failure.
func Newf(c Category, format string, args ...any) *Error {
	return &Error{Category: c, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an arbitrary error.
func Wrap(c Category, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: c, Message: err.Error(), Err: err}
}

var (
	validationHints = []string{
		"schema validation failed",
		"unknown argument",
		"additionalproperties",
		"missing required",
		"missing properties",
		"invalid argument",
		"unknown tool",
	}
	dependencyConflictHints = []string{
		"dependency conflict",
		"conflicting dependencies",
		"resolutionimpossible",
		"unsatisfiableerror",
		"could not resolve dependencies",
		"cannot resolve dependencies",
		"version conflict",
		"incompatible versions",
		"conflicts with",
		"no matching distribution",
		"pip's dependency resolver",
		"solving environment: failed",
	}
	testFailureHints = []string{
		"tests failed",
		"test failed",
		"failing test",
		"assertionerror",
		"robot run failed",
		"| fail |",
	}
	// connectivityHints name a transport problem outright and are checked
	// before any other hint: rcc prints usage and resolver text alongside them.
	connectivityHints = []string{
		"could not resolve host",
		"could not resolve hostname",
		"name resolution",
		"no such host",
		"connection refused",
		"connection reset",
		"no route to host",
		"network is unreachable",
		"dial tcp",
		"tls handshake",
		"i/o timeout",
	}
	remoteServiceHints = []string{
		"timeout",
		"timed out",
		"context deadline exceeded",
		"connection refused",
		"connection reset",
		"could not connect",
		"broken pipe",
		"tls handshake",
		"i/o timeout",
		"no route to host",
		"no such host",
		"temporary failure",
		"temporarily unavailable",
		"rate limit",
		"too many requests",
		"service unavailable",
		"gateway timeout",
		"bad gateway",
		"unauthorized",
		"forbidden",
		"access denied",
		"accessdenied",
		"authentication failed",
		"invalid credentials",
		"signaturedoesnotmatch",
		"invalidaccesskeyid",
		"dial tcp",
		"econnrefused",
		"econnreset",
	}
)

// Classify maps a raw failure into the taxonomy. An explicit category wins;
// then connectivity hints; then problem hints over message and output; then
// typed errors. A non-zero exit
// or anything unrecognised is a ProcessFailure.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Category != "" {
		return fe.Category
	}

	text := strings.ToLower(err.Error())
	if fe != nil {
		text = strings.ToLower(strings.Join([]string{fe.Message, fe.Output, errText(fe.Err)}, "\n"))
	}

	if containsAny(text, connectivityHints) {
		return RemoteServiceFailure
	}
	// Otherwise hints that name the problem outrank the transport it arrived on.
	if containsAny(text, validationHints) {
		return ValidationFailure
	}
	if containsAny(text, dependencyConflictHints) {
		return DependencyConflict
	}
	if containsAny(text, testFailureHints) {
		return TestFailure
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return ProcessFailure
	}
	// *url.Error satisfies net.Error too.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return RemoteServiceFailure
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if containsAny(text, remoteServiceHints) {
			return RemoteServiceFailure
		}
		return ProcessFailure
	}

	if containsAny(text, remoteServiceHints) {
		return RemoteServiceFailure
	}
	return ProcessFailure
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
