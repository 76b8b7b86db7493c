// Package sym holds the glyphs tasknet uses as structured log markers and CLI prefixes.
package sym

// System markers.
const (
	Pulse      = "꩜" // task queues, workers, scheduling
	PulseOpen  = "✿" // worker pool startup and orphan recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Net        = "⌬" // network location discovery
)
