package udo

import "errors"

// Operator errors. Callers branch on them with errors.Is.
var (
	// ErrInvalidArgument reports a nil definition or missing tensors.
	ErrInvalidArgument = errors.New("udo: invalid argument")

	// ErrWrongOperation reports a definition that does not match the
	// operator: wrong type, parameter set, or tensor count.
	ErrWrongOperation = errors.New("udo: wrong operation")

	// ErrUnsupportedFeature reports a request the CPU package cannot serve,
	// such as non-blocking execution.
	ErrUnsupportedFeature = errors.New("udo: unsupported feature")
)
