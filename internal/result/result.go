// Package result classifies the outcome of a recovery operation.
package result

import "fmt"

type Kind int

const (
	OK Kind = iota
	Retryable
	Fatal
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one orchestration or supervision step.
type Result struct {
	Kind Kind
	Op   string
	Err  error
}

func Ok(op string) Result { return Result{Kind: OK, Op: op} }

// Retry marks a failure that the next watchdog tick or job retry recovers.
func Retry(op string, err error) Result { return Result{Kind: Retryable, Op: op, Err: err} }

// Fail marks a failure the process cannot continue past.
func Fail(op string, err error) Result { return Result{Kind: Fatal, Op: op, Err: err} }

// From returns Ok when err is nil and Retry otherwise.
func From(op string, err error) Result {
	if err == nil {
		return Ok(op)
	}
	return Retry(op, err)
}

func (r Result) IsOK() bool    { return r.Kind == OK }
func (r Result) IsFatal() bool { return r.Kind == Fatal }
func (r Result) Unwrap() error { return r.Err }

func (r Result) Error() string {
	if r.Err == nil {
		return r.Op + ": " + r.Kind.String()
	}
	return fmt.Sprintf("%s (%s): %v", r.Op, r.Kind, r.Err)
}

// Worst folds results into the most severe one. An empty input is OK.
func Worst(rs ...Result) Result {
	out := Result{Kind: OK}
	for _, r := range rs {
		if r.Kind > out.Kind {
			out = r
		}
	}
	return out
}
