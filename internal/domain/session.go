package domain

import "time"

// BackendMode selects which generation backend receives work.
type BackendMode string

const (
	BackendModeLocal  BackendMode = "local"
	BackendModeRemote BackendMode = "remote"
)

// LifecycleState enumerates remote resource lifecycle states.
type LifecycleState string

const (
	LifecycleStopped  LifecycleState = "stopped"
	LifecycleStarting LifecycleState = "starting"
	LifecycleRunning  LifecycleState = "running"
	LifecycleStopping LifecycleState = "stopping"
)

// BackendSession describes the currently selected backend and, for remote
// mode, the provisioned compute resource. Owned exclusively by the lifecycle
// manager.
type BackendSession struct {
	Mode         BackendMode
	Endpoint     string
	Connected    bool
	LastActivity time.Time

	// Remote-only fields. ResourceID is empty while no resource is provisioned.
	ResourceID  string
	StartedAt   time.Time
	AccruedCost float64
}
