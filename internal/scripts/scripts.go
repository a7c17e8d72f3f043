// Package scripts links every built-in script into the binary.
package scripts

import (
	// Built-in scripts register themselves on import.
	_ "github.com/wesleyorama2/swarm/internal/scripts/example"
	_ "github.com/wesleyorama2/swarm/internal/scripts/quickpizza"
)
