// Package example fetches the base URL in a loop.
package example

import (
	"net/http"
	"time"

	"github.com/wesleyorama2/swarm/internal/loadtest"
)

// Name is the registry name of the script.
const Name = "example"

func init() {
	loadtest.Register(Name, New)
}

// New returns the example script. SLEEP sets the pause between requests
// (default 1s).
func New() loadtest.Script {
	return &loadtest.Funcs{
		Exports: map[string]loadtest.IterationFunc{
			loadtest.DefaultExec: func(it *loadtest.Iteration) error {
				resp := it.Get("/", nil)
				it.Check("status is 200", resp.StatusCode == http.StatusOK)

				pause := time.Second
				if d, err := time.ParseDuration(it.Env("SLEEP")); err == nil {
					pause = d
				}
				it.Sleep(pause)
				return nil
			},
		},
	}
}
