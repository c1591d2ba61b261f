package sandbox

import (
	"errors"
	"sync"
	"time"
)

// ContainerStatus is the lifecycle state of a sandbox container.
type ContainerStatus string

const (
	StatusRunning   ContainerStatus = "running"
	StatusDestroyed ContainerStatus = "destroyed"
)

// Container is a remote sandbox bound to one session.
type Container struct {
	mu sync.Mutex

	EngineID  string
	SessionID string
	Name      string
	Status    ContainerStatus
	CreatedAt time.Time
	Workdir   string

	// Per-container counters
	CommandsExecuted int
	FilesCreated     int
	FilesRead        int
	Errors           int

	lifetimeTimer *time.Timer
	destroyResult *DestroyResult
}

// ExecResult is the outcome of a command run inside a container. A
// non-zero exit is data, not an error.
type ExecResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Snapshot records a committed container image.
type Snapshot struct {
	Name      string    `json:"name"`
	ImageID   string    `json:"image_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceUsage is a point-in-time sample of a container's consumption.
type ResourceUsage struct {
	CPU     string        `json:"cpu"`
	Memory  string        `json:"memory"`
	Network string        `json:"network"`
	Disk    string        `json:"disk"`
	Uptime  time.Duration `json:"uptime"`
}

// DestroyResult reports a container teardown.
type DestroyResult struct {
	OK       bool          `json:"ok"`
	Lifetime time.Duration `json:"lifetime"`
}

// CleanupResult summarizes a CleanupAll pass.
type CleanupResult struct {
	Total  int `json:"total"`
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// HealthStatus reports engine reachability.
type HealthStatus struct {
	Healthy       bool   `json:"healthy"`
	EngineVersion string `json:"engine_version,omitempty"`
	Error         string `json:"error,omitempty"`
}

// PoolStatus is a read-only view of the pool.
type PoolStatus struct {
	Active     int             `json:"active"`
	Queued     int             `json:"queued"`
	Max        int             `json:"max"`
	Containers []ContainerInfo `json:"containers"`
}

// ContainerInfo is the external projection of a Container.
type ContainerInfo struct {
	SessionID        string          `json:"session_id"`
	Name             string          `json:"name"`
	Status           ContainerStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	AgeSeconds       float64         `json:"age_seconds"`
	CommandsExecuted int             `json:"commands_executed"`
	FilesCreated     int             `json:"files_created"`
	FilesRead        int             `json:"files_read"`
	Errors           int             `json:"errors"`
}

// TestResult is the outcome of the code-testing protocol.
type TestResult struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

var (
	// ErrNoContainer is returned for operations against a session with no
	// running container.
	ErrNoContainer = errors.New("no running container for session")

	// ErrQueueFull is returned when the creation queue is at capacity.
	ErrQueueFull = errors.New("sandbox creation queue full")

	// ErrContainerExists is returned when a session already owns a
	// running container.
	ErrContainerExists = errors.New("session already has a running container")
)
