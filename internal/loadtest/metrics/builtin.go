package metrics

// Built-in metric names.
const (
	VUs               = "vus"
	VUsMax            = "vus_max"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	IterationsFailed  = "iterations_failed"
	Checks            = "checks"

	HTTPReqs              = "http_reqs"
	HTTPReqDuration       = "http_req_duration"
	HTTPReqBlocked        = "http_req_blocked"
	HTTPReqConnecting     = "http_req_connecting"
	HTTPReqTLSHandshaking = "http_req_tls_handshaking"
	HTTPReqSending        = "http_req_sending"
	HTTPReqWaiting        = "http_req_waiting"
	HTTPReqReceiving      = "http_req_receiving"
	HTTPReqFailed         = "http_req_failed"
	DataReceived          = "data_received"
	DataSent              = "data_sent"
)

type builtin struct {
	name string
	kind Kind
	vt   ValueType
}

var builtins = []builtin{
	{VUs, KindGauge, Default},
	{VUsMax, KindGauge, Default},
	{Iterations, KindCounter, Default},
	{IterationDuration, KindTrend, Time},
	{IterationsFailed, KindRate, Default},
	{Checks, KindRate, Default},
	{HTTPReqs, KindCounter, Default},
	{HTTPReqDuration, KindTrend, Time},
	{HTTPReqBlocked, KindTrend, Time},
	{HTTPReqConnecting, KindTrend, Time},
	{HTTPReqTLSHandshaking, KindTrend, Time},
	{HTTPReqSending, KindTrend, Time},
	{HTTPReqWaiting, KindTrend, Time},
	{HTTPReqReceiving, KindTrend, Time},
	{HTTPReqFailed, KindRate, Default},
	{DataReceived, KindCounter, Data},
	{DataSent, KindCounter, Data},
}

// RegisterBuiltins declares the engine's own metrics.
func (s *Store) RegisterBuiltins() {
	for _, b := range builtins {
		s.MustRegister(b.name, b.kind, b.vt)
	}
}
