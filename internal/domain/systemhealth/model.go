package systemhealth

import "time"

// Thresholds above which a resource is reported as degraded.
const (
	CPUThreshold    = 90.0
	MemoryThreshold = 90.0
)

// DBConnected is the database state reported by a healthy system of record.
const DBConnected = "Connected"

// Snapshot is the last observed health of the system of record.
type Snapshot struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	DB        string    `json:"db"`
	Uptime    string    `json:"uptime"`
	Reachable bool      `json:"reachable"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Degraded lists the reasons the snapshot is not healthy, or nil.
func (s Snapshot) Degraded() []string {
	if s.CheckedAt.IsZero() {
		return nil
	}
	if !s.Reachable {
		return []string{"system of record unreachable"}
	}
	var out []string
	if s.CPU >= CPUThreshold {
		out = append(out, "cpu")
	}
	if s.Memory >= MemoryThreshold {
		out = append(out, "memory")
	}
	if s.DB != DBConnected {
		out = append(out, "database")
	}
	return out
}

// Status is "unknown" before the first poll, then "ok" or "degraded".
func (s Snapshot) Status() string {
	switch {
	case s.CheckedAt.IsZero():
		return "unknown"
	case len(s.Degraded()) > 0:
		return "degraded"
	default:
		return "ok"
	}
}
