package core

import "errors"

var (
	// ErrInvalidImage is returned for undecodable or structurally unusable input
	ErrInvalidImage = errors.New("invalid image")

	// ErrEmptyImage is returned when a stage would operate on a zero-area image
	ErrEmptyImage = errors.New("empty image")

	// ErrInferenceFailure is returned when the network cannot produce a usable prediction
	ErrInferenceFailure = errors.New("inference failure")
)
