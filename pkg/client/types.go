package client

import "time"

// EnsureOptions are the answers to first-run questions the API cannot ask.
type EnsureOptions struct {
	// Mode is "user_session" or "service"; only used on first run.
	Mode string
	// Recover allows moving a damaged data folder aside.
	Recover bool
}

// Connection is the result of a successful ensure.
type Connection struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Database         string `json:"database"`
	User             string `json:"user"`
	PasswordRef      string `json:"passwordRef"`
	RunMode          string `json:"runMode"`
	ConnectionString string `json:"connectionString"`
}

// EnsureResult carries the final state with the connection.
type EnsureResult struct {
	State      string     `json:"state"`
	Connection Connection `json:"connection"`
}

// ServerStatus describes the database server process.
type ServerStatus struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	Port       int    `json:"port,omitempty"`
	DetectedBy string `json:"detectedBy,omitempty"`
}

// Status is the response of the status endpoint.
type Status struct {
	State   string       `json:"state"`
	Server  ServerStatus `json:"server"`
	RunMode string       `json:"runMode,omitempty"`
	Port    int          `json:"port,omitempty"`
}

// StrategyStatus describes the OS registration.
type StrategyStatus struct {
	Mode      string `json:"mode"`
	Backend   string `json:"backend"`
	Installed bool   `json:"installed"`
	Running   bool   `json:"running"`
	Detail    string `json:"detail,omitempty"`
}

// OpResult is the outcome of a strategy operation.
type OpResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Event is one lifecycle history entry.
type Event struct {
	Type           string    `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	InstallationID string    `json:"installation_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Port           int       `json:"port,omitempty"`
	RunMode        string    `json:"run_mode,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Resources is a resource sample of the server process.
type Resources struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// errorBody covers every error shape the API returns.
type errorBody struct {
	Error       string `json:"error"`
	Kind        string `json:"errorKind"`
	Message     string `json:"message"`
	Fix         string `json:"fix"`
	Recoverable bool   `json:"recoverable"`
	Reason      string `json:"reason"`
	OpKind      string `json:"kind"`
}
