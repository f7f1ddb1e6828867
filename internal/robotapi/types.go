package robotapi

// Endpoint paths on the robot's HTTP API
const (
	PathServerStatus = "/api/status"
	PathStatus       = "/api/robot/status"
	PathMove         = "/api/robot/move"
	PathRotate       = "/api/robot/rotate"
	PathStop         = "/api/robot/stop"
	PathCameraSwitch = "/api/robot/camera/switch"
	PathRobotIP      = "/api/robot/ip"
	PathScript       = "/api/script"
	PathScriptRun    = "/api/script/run"
	PathScriptStop   = "/api/script/stop"
	PathScriptStatus = "/api/script/status"
	PathVideoStream  = "/stream/video"
)

// MotionRequest is the body of move and rotate commands
type MotionRequest struct {
	Direction string  `json:"direction"`
	Speed     float64 `json:"speed"`
}

// StatusResponse represents GET /api/robot/status
type StatusResponse struct {
	Success      bool   `json:"success"`
	IsMoving     bool   `json:"isMoving"`
	LastCommand  string `json:"lastCommand"`
	CameraFacing int    `json:"cameraFacing"` // 0 = back, 1 = front
	Timestamp    int64  `json:"timestamp,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RobotIPRequest is the body of POST /api/robot/ip
type RobotIPRequest struct {
	IP string `json:"ip"`
}

// RobotIPResponse represents GET and POST /api/robot/ip
type RobotIPResponse struct {
	Success bool   `json:"success"`
	RobotIP string `json:"robotIp"`
	Error   string `json:"error,omitempty"`
}

// ScriptRequest is the body of script save and run requests
type ScriptRequest struct {
	Script string `json:"script"`
}

// ScriptResponse represents GET /api/script
type ScriptResponse struct {
	Success bool   `json:"success"`
	Script  string `json:"script"`
}

// ScriptStatusResponse represents GET /api/script/status
type ScriptStatusResponse struct {
	Success bool   `json:"success"`
	Running bool   `json:"running"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// ServerStatusResponse represents GET /api/status
type ServerStatusResponse struct {
	Server           string `json:"server"`
	Status           string `json:"status"`
	Timestamp        int64  `json:"timestamp"`
	HTTPPort         int    `json:"httpPort"`
	WebSocketPort    int    `json:"webSocketPort"`
	WebSocketClients int    `json:"webSocketClients,omitempty"`
}

// APIResponse represents a generic command acknowledgement
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
