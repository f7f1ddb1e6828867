package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestDuration tracks robot API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robot_console_api_request_duration_seconds",
			Help:    "Duration of robot API requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	// APIErrorsTotal tracks robot API errors
	APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_console_api_errors_total",
			Help: "Total number of robot API errors",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	// CommandsTotal tracks dispatched motion commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_console_commands_total",
			Help: "Total number of motion commands dispatched",
		},
		[]string{"command", "status"}, // move/rotate/stop/camera_switch, delivered/failed
	)

	// PollsTotal tracks poll ticks per poller
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_console_polls_total",
			Help: "Total number of poll ticks",
		},
		[]string{"poller", "result"}, // applied, stale, miss
	)

	// LastPollSuccessTimestamp tracks the last applied poll per poller
	LastPollSuccessTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "robot_console_last_poll_success_timestamp_seconds",
			Help: "Timestamp of the last successful poll",
		},
		[]string{"poller"},
	)

	// ScriptSavesTotal tracks script save requests
	ScriptSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_console_script_saves_total",
			Help: "Total number of script save requests",
		},
		[]string{"trigger", "status"}, // debounce/explicit, success/failure
	)

	// DebounceCoalescedTotal tracks edits absorbed by a later edit
	DebounceCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "robot_console_debounce_coalesced_total",
			Help: "Total number of script edits coalesced into a later save",
		},
	)

	// ScriptRunsTotal tracks run/stop requests
	ScriptRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_console_script_runs_total",
			Help: "Total number of script run and stop requests",
		},
		[]string{"action", "status"},
	)

	// SettingsSavesTotal tracks robot IP saves by outcome
	SettingsSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_console_settings_saves_total",
			Help: "Total number of robot IP saves by outcome",
		},
		[]string{"outcome"}, // saved, failed, error
	)

	// ConsoleClients tracks connected WebSocket console clients
	ConsoleClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "robot_console_ws_clients",
			Help: "Number of connected console WebSocket clients",
		},
	)

	// TelemetryPublishedTotal tracks telemetry messages sent to the broker
	TelemetryPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robot_console_telemetry_published_total",
			Help: "Total number of telemetry messages published",
		},
		[]string{"kind", "status"},
	)

	// DeviceReachable is 1 while the last device status poll succeeded
	DeviceReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "robot_console_device_reachable",
			Help: "Whether the last device status poll succeeded (1 = yes, 0 = no)",
		},
	)

	// HealthStatus indicates overall serve health (1 = healthy, 0 = unhealthy)
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "robot_console_health_status",
			Help: "Overall health status (1 = healthy, 0 = unhealthy)",
		},
	)
)
