package node

import "github.com/cuemby/renderfarm/pkg/film"

// Engine renders progressively into a film. Implementations must be safe
// for Stats and Film calls while rendering.
type Engine interface {
	// Start parses the scene descriptor and begins rendering with seed
	Start(descriptor []byte, seed uint64) error

	// Stats returns a one-line progress report
	Stats() string

	// Film returns a snapshot of everything rendered so far
	Film() *film.Film

	// Stop halts rendering and waits for it to finish
	Stop()
}

// EngineFactory creates a fresh engine for each session
type EngineFactory func() Engine
