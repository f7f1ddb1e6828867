// Package telemetry publishes device status and script run transitions of a
// session to a RabbitMQ exchange.
package telemetry

import (
	"time"

	"github.com/thebranchdriftcatalyst/robot-console/internal/session"
)

// Routing keys on the telemetry exchange
const (
	KeyDeviceStatus = "device.status"
	KeyScriptRun    = "script.run"
)

// Event kinds, also used as metric labels
const (
	KindDeviceStatus = "device_status"
	KindScriptRun    = "script_run"
)

// Event is one message bound for the exchange
type Event struct {
	Kind       string
	RoutingKey string
	Body       interface{}
}

// DeviceStatusMessage is published when the polled device status or its
// reachability changes
type DeviceStatusMessage struct {
	SessionID    string    `json:"session_id"`
	Endpoint     string    `json:"endpoint"`
	Reachable    bool      `json:"reachable"`
	IsMoving     bool      `json:"is_moving"`
	LastCommand  string    `json:"last_command"`
	CameraFacing int       `json:"camera_facing"`
	Camera       string    `json:"camera"`
	Timestamp    time.Time `json:"timestamp"`
}

// ScriptRunMessage is published when a script run starts or finishes
type ScriptRunMessage struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"` // "started" or "finished"
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker turns successive snapshots into transition events
type Tracker struct {
	prev *session.Snapshot
	now  func() time.Time
}

// NewTracker creates a tracker that has seen nothing yet
func NewTracker() *Tracker {
	return &Tracker{now: func() time.Time { return time.Now().UTC() }}
}

// Observe records snap and returns the events it implies. The first snapshot
// always yields a device status event.
func (t *Tracker) Observe(snap session.Snapshot) []Event {
	var events []Event
	prev := t.prev

	if prev == nil || prev.Device != snap.Device || prev.DeviceReachable != snap.DeviceReachable {
		events = append(events, Event{
			Kind:       KindDeviceStatus,
			RoutingKey: KeyDeviceStatus,
			Body: DeviceStatusMessage{
				SessionID:    snap.SessionID,
				Endpoint:     snap.Endpoint,
				Reachable:    snap.DeviceReachable,
				IsMoving:     snap.Device.IsMoving,
				LastCommand:  snap.Device.LastCommand,
				CameraFacing: snap.Device.CameraFacing,
				Camera:       snap.Device.CameraName(),
				Timestamp:    t.now(),
			},
		})
	}

	wasRunning := prev != nil && prev.Run.Running
	if wasRunning != snap.Run.Running {
		msg := ScriptRunMessage{
			SessionID: snap.SessionID,
			Action:    "started",
			Timestamp: t.now(),
		}
		if !snap.Run.Running {
			msg.Action = "finished"
			msg.Output = snap.Run.Output
			msg.Error = snap.Run.Error
		}
		events = append(events, Event{Kind: KindScriptRun, RoutingKey: KeyScriptRun, Body: msg})
	}

	t.prev = &snap
	return events
}
