package types

import "errors"

// ErrorClass is the closed error taxonomy used throughout kait. Workers
// recover from transient and invariant errors, bad input surfaces as HTTP
// 4xx, and fatal errors terminate the daemon.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota // retry locally, backoff, then degrade
	ClassBadInput                    // reject, do not retry
	ClassInvariant                   // log, quarantine item, keep running
	ClassFatal                       // exit the process
)

// Sentinel errors for classification via errors.Is.
var (
	ErrTransient = errors.New("transient")
	ErrBadInput  = errors.New("bad input")
	ErrInvariant = errors.New("invariant violation")
	ErrFatal     = errors.New("fatal")
)

// Classify maps an error to its taxonomy class. Unwrapped errors default to
// transient: the safe assumption for I/O-adjacent failures is "retry then
// degrade", never "crash".
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrBadInput):
		return ClassBadInput
	case errors.Is(err, ErrInvariant):
		return ClassInvariant
	default:
		return ClassTransient
	}
}

// String returns the class name used in logs.
func (c ErrorClass) String() string {
	switch c {
	case ClassBadInput:
		return "bad_input"
	case ClassInvariant:
		return "invariant"
	case ClassFatal:
		return "fatal"
	default:
		return "transient"
	}
}
