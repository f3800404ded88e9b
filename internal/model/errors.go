package model

import "errors"

var (
	// ErrArtifactMissing is returned when a model artifact is absent or unreadable
	ErrArtifactMissing = errors.New("model artifact missing")

	// ErrArtifactCorrupt is returned when a model artifact cannot be parsed
	ErrArtifactCorrupt = errors.New("model artifact corrupt")

	// ErrLayerNotFound is returned when a named layer is absent from the loaded graph
	ErrLayerNotFound = errors.New("layer not found")

	// ErrNotReady is returned when the network is requested before the manager is Ready
	ErrNotReady = errors.New("model not ready")

	// ErrClosed is returned by a network that has been torn down
	ErrClosed = errors.New("network closed")
)
