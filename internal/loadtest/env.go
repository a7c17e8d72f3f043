package loadtest

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	swarmhttp "github.com/wesleyorama2/swarm/internal/http"
	"github.com/wesleyorama2/swarm/internal/loadtest/dataset"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// Requester is the HTTP collaborator. Implementations must not return nil
// and report failures on the response.
type Requester interface {
	Do(ctx context.Context, req *swarmhttp.Request) *swarmhttp.Response
}

// Env is everything a run shares with its VUs. Apart from the metric
// store, nothing in it is written once scenarios start.
type Env struct {
	Store    *metrics.Store
	Client   Requester
	Datasets map[string]*dataset.Shared
	BaseURL  string
	Vars     map[string]string
	Logger   *zap.Logger

	// SetupData is the value returned by the script's setup.
	SetupData any

	nextVUID atomic.Int64
}

// NextVUID returns a run-wide unique VU identifier, starting at 1.
func (e *Env) NextVUID() int64 {
	return e.nextVUID.Add(1)
}

// VUsSpawned returns how many VU identifiers were handed out.
func (e *Env) VUsSpawned() int64 {
	return e.nextVUID.Load()
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
