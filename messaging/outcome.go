package messaging

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrContractViolation marks a caller or data error that the engine detected
// and refused to act on.
var ErrContractViolation = errors.New("contract violation")

// Outcome is the result of a state-changing operation.
type Outcome uint8

const (
	// OutcomeNoOp means the operation was valid but changed nothing.
	OutcomeNoOp Outcome = iota
	// OutcomeApplied means persistent state changed.
	OutcomeApplied
	// OutcomeViolation means the operation was refused; the cause was reported.
	OutcomeViolation
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "noop"
	case OutcomeApplied:
		return "applied"
	case OutcomeViolation:
		return "violation"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Merge combines two outcomes, keeping the most significant.
func (o Outcome) Merge(other Outcome) Outcome {
	if other > o {
		return other
	}
	return o
}

// Changed reports whether state was modified.
func (o Outcome) Changed() bool {
	return o == OutcomeApplied
}

func changedOutcome(changed bool) Outcome {
	if changed {
		return OutcomeApplied
	}
	return OutcomeNoOp
}

var (
	strictContracts  atomic.Bool
	violationHandler atomic.Value // func(function string, err error)
)

// SetStrictContracts makes ReportViolation panic. Meant for development
// builds and tests; production keeps the log-and-continue behavior.
func SetStrictContracts(strict bool) {
	strictContracts.Store(strict)
}

// StrictContracts reports whether violations panic.
func StrictContracts() bool {
	return strictContracts.Load()
}

// SetViolationHandler registers a callback invoked for every reported
// violation, typically a metrics counter. Pass nil to remove it.
func SetViolationHandler(fn func(function string, err error)) {
	if fn == nil {
		fn = func(string, error) {}
	}
	violationHandler.Store(fn)
}

// ReportViolation records a contract violation and returns OutcomeViolation.
func ReportViolation(function string, err error) Outcome {
	if !errors.Is(err, ErrContractViolation) {
		err = fmt.Errorf("%w: %v", ErrContractViolation, err)
	}

	if fn, ok := violationHandler.Load().(func(string, error)); ok {
		fn(function, err)
	}

	if strictContracts.Load() {
		panic(fmt.Sprintf("%s: %v", function, err))
	}

	logrus.WithFields(logrus.Fields{
		"function": function,
		"error":    err.Error(),
	}).Error("Contract violation, operation skipped")

	return OutcomeViolation
}
