package loadtest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// DefaultExec is the iteration function used by scenarios without exec.
const DefaultExec = "default"

// Script is the user-supplied business logic of a test.
type Script interface {
	// Init declares custom metrics.
	Init(store *metrics.Store) error

	// Setup runs once before any scenario. Its result is shared read-only
	// with every iteration. A returned error aborts the run.
	Setup(it *Iteration) (any, error)

	// Teardown runs once after all scenarios finished.
	Teardown(it *Iteration, data any) error

	// Exec returns the iteration function bound to name.
	Exec(name string) (IterationFunc, bool)
}

// MetricDecl declares a custom metric.
type MetricDecl struct {
	Name string
	Kind metrics.Kind
	Type metrics.ValueType
}

// Funcs is a Script assembled from plain functions.
type Funcs struct {
	Metrics    []MetricDecl
	SetupFn    func(it *Iteration) (any, error)
	TeardownFn func(it *Iteration, data any) error
	Exports    map[string]IterationFunc
}

// Init registers the declared metrics.
func (f *Funcs) Init(store *metrics.Store) error {
	for _, m := range f.Metrics {
		if _, err := store.Register(m.Name, m.Kind, m.Type); err != nil {
			return err
		}
	}
	return nil
}

// Setup calls SetupFn if set.
func (f *Funcs) Setup(it *Iteration) (any, error) {
	if f.SetupFn == nil {
		return nil, nil
	}
	return f.SetupFn(it)
}

// Teardown calls TeardownFn if set.
func (f *Funcs) Teardown(it *Iteration, data any) error {
	if f.TeardownFn == nil {
		return nil
	}
	return f.TeardownFn(it, data)
}

// Exec looks up an exported iteration function.
func (f *Funcs) Exec(name string) (IterationFunc, bool) {
	fn, ok := f.Exports[name]
	return fn, ok
}

// Factory builds a fresh Script for a run.
type Factory func() Script

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a script available by name. It panics on duplicates.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("loadtest: script %q registered twice", name))
	}
	registry[name] = factory
}

// Lookup returns a new instance of a registered script.
func Lookup(name string) (Script, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown script %q (available: %v)", name, Scripts())
	}
	return factory(), nil
}

// Scripts lists registered script names.
func Scripts() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
