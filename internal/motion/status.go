package motion

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thebranchdriftcatalyst/robot-console/internal/metrics"
	"github.com/thebranchdriftcatalyst/robot-console/internal/reconcile"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"k8s.io/utils/clock"
)

// Camera facings reported by the robot
const (
	CameraBack  = 0
	CameraFront = 1
)

// DeviceStatus is the robot's motion state as last reported
type DeviceStatus struct {
	IsMoving     bool   `json:"isMoving"`
	LastCommand  string `json:"lastCommand"`
	CameraFacing int    `json:"cameraFacing"`
}

// InitialStatus is shown until the first successful poll
func InitialStatus() DeviceStatus {
	return DeviceStatus{IsMoving: false, LastCommand: "none", CameraFacing: CameraBack}
}

// CameraName returns a label for the camera facing
func (s DeviceStatus) CameraName() string {
	if s.CameraFacing == CameraBack {
		return "Back"
	}
	return "Front"
}

// NewStatusPoller creates the device status poller writing into cell
func NewStatusPoller(client *robotapi.Client, clk clock.WithTicker, interval time.Duration, cell *reconcile.Cell[DeviceStatus], logger zerolog.Logger) *reconcile.Poller[DeviceStatus] {
	fetch := func(ctx context.Context) (DeviceStatus, error) {
		resp, err := client.Status(ctx)
		if err != nil {
			metrics.DeviceReachable.Set(0)
			return DeviceStatus{}, err
		}
		metrics.DeviceReachable.Set(1)
		return DeviceStatus{
			IsMoving:     resp.IsMoving,
			LastCommand:  resp.LastCommand,
			CameraFacing: resp.CameraFacing,
		}, nil
	}
	return reconcile.NewPoller("device_status", clk, interval, cell, fetch, logger)
}
