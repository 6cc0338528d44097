package bus

import "time"

// Payload schemas, one per message Type. Publishers construct these and
// subscribers type-assert on Message.Payload:
//
//	TypeMetricData         -> MetricSnapshot
//	TypeAlert              -> AlertPayload
//	TypeRemediationRequest -> RemediationRequestPayload
//	TypeRemediationResult  -> RemediationResultPayload
//	TypeStatusUpdate       -> StatusPayload
//	TypeHealthCheck        -> HealthPayload
//	TypeTrendAnalysis      -> TrendPayload
//	TypeSystemCommand      -> CommandPayload
//	TypeCoordination       -> CoordinationPayload
//	TypeNetworkUpdate      -> NetworkPayload

// CommandPayload carries a system command. Target is either the literal "all"
// or a specific agent name.
type CommandPayload struct {
	Command string `json:"command"`
	Target  string `json:"target"`
}

// Well-known commands. The vocabulary is open-ended; agents ignore commands
// they do not recognize.
const (
	CommandStatus      = "status"
	CommandHealthCheck = "health_check"
	CommandRestart     = "restart"

	// TargetAll addresses every agent.
	TargetAll = "all"
)

// CoordinationPayload is a human-readable visibility note emitted around
// command handling.
type CoordinationPayload struct {
	Info string `json:"info"`
}

// StatusPayload is an agent's self-reported status broadcast.
type StatusPayload struct {
	Agent         string        `json:"agent"`
	Status        string        `json:"status"`
	Uptime        time.Duration `json:"uptime"`
	CheckCount    int64         `json:"check_count"`
	SuccessCount  int64         `json:"success_count"`
	ErrorCount    int64         `json:"error_count"`
	Health        string        `json:"health"`
	AvgCheckTime  time.Duration `json:"avg_check_time"`
	LastCheckTime time.Time     `json:"last_check_time"`
}

// HealthPayload is an agent's health-check broadcast.
type HealthPayload struct {
	Agent        string        `json:"agent"`
	Health       string        `json:"health"`
	Running      bool          `json:"running"`
	Uptime       time.Duration `json:"uptime"`
	ErrorRate    float64       `json:"error_rate"`
	AvgCheckTime time.Duration `json:"avg_check_time"`
	Issues       []Issue       `json:"issues,omitempty"`
}

// Issue is a self-reported problem with a severity and timestamp.
type Issue struct {
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertPayload describes a threshold breach or detected anomaly.
type AlertPayload struct {
	Source   string  `json:"source"`
	Metric   string  `json:"metric"`
	Value    float64 `json:"value"`
	Limit    float64 `json:"limit"`
	Severity string  `json:"severity"`
	Detail   string  `json:"detail,omitempty"`
}

// RemediationRequestPayload asks the remediator to act on an issue.
type RemediationRequestPayload struct {
	Issue   string   `json:"issue"`
	Metric  string   `json:"metric"`
	Value   float64  `json:"value"`
	Actions []string `json:"actions,omitempty"` // suggested actions, may be empty
}

// RemediationResultPayload reports the outcome of a remediation attempt.
type RemediationResultPayload struct {
	Issue    string        `json:"issue"`
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TrendPayload reports a per-metric trend computed over a sliding window.
type TrendPayload struct {
	Metric    string  `json:"metric"`
	Slope     float64 `json:"slope"` // units per second, least-squares fit
	Window    int     `json:"window"`
	Current   float64 `json:"current"`
	Direction string  `json:"direction"` // rising, falling, flat
}

// MetricSnapshot is one sensor collection cycle.
type MetricSnapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	Hostname    string             `json:"hostname"`
	Platform    string             `json:"platform"`
	UptimeSec   uint64             `json:"uptime_sec"`
	CPUPercent  float64            `json:"cpu_percent"`
	Load1       float64            `json:"load1"`
	MemPercent  float64            `json:"mem_percent"`
	MemUsed     uint64             `json:"mem_used"`
	MemTotal    uint64             `json:"mem_total"`
	DiskPercent map[string]float64 `json:"disk_percent"` // path -> used %
	NetBytesIn  uint64             `json:"net_bytes_in"`
	NetBytesOut uint64             `json:"net_bytes_out"`
	ProcCount   int                `json:"proc_count"`
}

// NetworkPayload reports per-interface deltas between network agent cycles.
type NetworkPayload struct {
	Interface string `json:"interface"`
	BytesIn   uint64 `json:"bytes_in"`
	BytesOut  uint64 `json:"bytes_out"`
	ErrsIn    uint64 `json:"errs_in"`
	ErrsOut   uint64 `json:"errs_out"`
	DropsIn   uint64 `json:"drops_in"`
	DropsOut  uint64 `json:"drops_out"`
}
