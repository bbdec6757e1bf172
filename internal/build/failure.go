package build

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/flux/internal/runner"
	"github.com/mattjoyce/flux/internal/store"
)

// Failure is a build step that did not succeed. Reason classifies it for
// the build record; ExitCode is set when a process actually exited.
type Failure struct {
	Reason   store.Reason
	ExitCode *int
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result converts the failure into a terminal build result.
func (f *Failure) Result() store.Result {
	return store.Failed(f.Reason, f.ExitCode)
}

func fail(reason store.Reason, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}

func exited(reason store.Reason, code int, err error) *Failure {
	return &Failure{Reason: reason, ExitCode: &code, Err: err}
}

// runFailure maps a runner error onto a reason. A killed process is
// reported as cancelled; Execute upgrades it to timeout when the build's own
// deadline fired.
func runFailure(err error) *Failure {
	if errors.Is(err, runner.ErrTimeout) || errors.Is(err, runner.ErrCancelled) {
		return fail(store.ReasonCancelled, err)
	}
	return fail(store.ReasonInfrastructure, err)
}
