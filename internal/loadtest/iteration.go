package loadtest

import (
	"context"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	swarmhttp "github.com/wesleyorama2/swarm/internal/http"
	"github.com/wesleyorama2/swarm/internal/loadtest/dataset"
	"github.com/wesleyorama2/swarm/internal/loadtest/metrics"
)

// Iteration is the context of one iteration of one VU. It must not be
// retained after the iteration function returns.
type Iteration struct {
	ctx    context.Context
	vu     *VirtualUser
	env    *Env
	number int64
	tags   metrics.Tags
	logger *zap.Logger
}

func newIteration(ctx context.Context, vu *VirtualUser, number int64) *Iteration {
	tags := metrics.Tags{"scenario": vu.Scenario.Name}.Merge(vu.Scenario.Tags)
	return &Iteration{
		ctx:    ctx,
		vu:     vu,
		env:    vu.env,
		number: number,
		tags:   tags,
		logger: vu.env.logger().With(
			zap.String("scenario", vu.Scenario.Name),
			zap.Int64("vu", vu.ID),
			zap.Int64("iteration", number),
		),
	}
}

// NewIteration builds an iteration context outside of any scenario, as
// used for setup and teardown.
func NewIteration(ctx context.Context, env *Env, name string) *Iteration {
	vu := NewVirtualUser(0, &Scenario{Name: name}, env)
	return newIteration(ctx, vu, 0)
}

// Context is cancelled only when the run is interrupted or a graceful
// stop period expires.
func (it *Iteration) Context() context.Context {
	return it.ctx
}

// VUID returns the run-wide VU identifier (0 during setup and teardown).
func (it *Iteration) VUID() int64 {
	return it.vu.ID
}

// Number returns the VU-local iteration index, starting at 0.
func (it *Iteration) Number() int64 {
	return it.number
}

// Scenario returns the scenario name.
func (it *Iteration) Scenario() string {
	return it.vu.Scenario.Name
}

// SetupData returns the value produced by setup.
func (it *Iteration) SetupData() any {
	return it.env.SetupData
}

// Dataset returns a shared dataset, or nil if none was loaded under name.
func (it *Iteration) Dataset(name string) *dataset.Shared {
	return it.env.Datasets[name]
}

// BaseURL returns the resolved base URL of the run.
func (it *Iteration) BaseURL() string {
	return it.env.BaseURL
}

// Env returns a variable passed with --env, falling back to the process
// environment.
func (it *Iteration) Env(key string) string {
	if v, ok := it.env.Vars[key]; ok {
		return v
	}
	return os.Getenv(key)
}

// Tags returns the tags applied to this iteration's metrics.
func (it *Iteration) Tags() metrics.Tags {
	return it.tags
}

// Log returns the iteration logger.
func (it *Iteration) Log() *zap.Logger {
	return it.logger
}

// Request issues req and records the http_* metrics for it.
func (it *Iteration) Request(req *swarmhttp.Request) *swarmhttp.Response {
	resp := it.env.Client.Do(it.ctx, req)
	it.recordHTTP(resp)
	return resp
}

// Get issues a GET request.
func (it *Iteration) Get(url string, headers map[string]string) *swarmhttp.Response {
	req := swarmhttp.NewRequest("GET", url)
	for k, v := range headers {
		req.WithHeader(k, v)
	}
	return it.Request(req)
}

// Post issues a POST request. Non-string, non-byte bodies are sent as JSON.
func (it *Iteration) Post(url string, body any, headers map[string]string) *swarmhttp.Response {
	req := swarmhttp.NewRequest("POST", url).WithBody(body)
	for k, v := range headers {
		req.WithHeader(k, v)
	}
	return it.Request(req)
}

func (it *Iteration) recordHTTP(resp *swarmhttp.Response) {
	if it.ctx.Err() != nil {
		return
	}

	status := "0"
	if resp.StatusCode != 0 {
		status = strconv.Itoa(resp.StatusCode)
	}
	tags := it.tags.Merge(metrics.Tags{
		"method": resp.Method,
		"status": status,
		"name":   resp.Name,
	})

	store := it.env.Store
	tm := resp.Timings
	_ = store.Record(metrics.HTTPReqs, 1, tags)
	_ = store.Record(metrics.HTTPReqDuration, swarmhttp.Millis(tm.Duration), tags)
	_ = store.Record(metrics.HTTPReqBlocked, swarmhttp.Millis(tm.Blocked), tags)
	_ = store.Record(metrics.HTTPReqConnecting, swarmhttp.Millis(tm.Connecting), tags)
	_ = store.Record(metrics.HTTPReqTLSHandshaking, swarmhttp.Millis(tm.TLSHandshaking), tags)
	_ = store.Record(metrics.HTTPReqSending, swarmhttp.Millis(tm.Sending), tags)
	_ = store.Record(metrics.HTTPReqWaiting, swarmhttp.Millis(tm.Waiting), tags)
	_ = store.Record(metrics.HTTPReqReceiving, swarmhttp.Millis(tm.Receiving), tags)
	_ = store.Record(metrics.DataSent, float64(resp.BytesSent), tags)
	_ = store.Record(metrics.DataReceived, float64(resp.BytesReceived), tags)

	failed := 0.0
	if resp.Failed() {
		failed = 1
		it.logger.Debug("request failed",
			zap.String("method", resp.Method),
			zap.String("url", resp.URL),
			zap.Int("status", resp.StatusCode),
			zap.String("error", resp.ErrorMessage()))
	}
	_ = store.Record(metrics.HTTPReqFailed, failed, tags)
}

// Check records a named boolean assertion and returns ok.
func (it *Iteration) Check(name string, ok bool) bool {
	if err := it.env.Store.RecordCheck(name, ok, it.tags); err != nil {
		it.logger.Warn("recording check", zap.String("check", name), zap.Error(err))
	}
	return ok
}

// ResponseChecks maps check names to assertions on a response.
type ResponseChecks map[string]func(*swarmhttp.Response) bool

// CheckResponse runs every check against resp in name order and reports
// whether all passed.
func (it *Iteration) CheckResponse(resp *swarmhttp.Response, checks ResponseChecks) bool {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	all := true
	for _, name := range names {
		if !it.Check(name, checks[name](resp)) {
			all = false
		}
	}
	return all
}

// Add records a value to a metric with the iteration's tags plus extra.
func (it *Iteration) Add(metric string, value float64, extra metrics.Tags) error {
	return it.env.Store.Record(metric, value, it.tags.Merge(extra))
}

// Sleep pauses the calling VU. It returns early when the iteration
// context is cancelled and reports whether the full duration elapsed.
func (it *Iteration) Sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-it.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
