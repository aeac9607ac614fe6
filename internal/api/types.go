package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// RecoverStats is the summary block of a successful recovery.
type RecoverStats struct {
	TablesRecovered  int   `json:"tablesRecovered"`
	TablesFailed     int   `json:"tablesFailed"`
	RecordsRecovered int64 `json:"recordsRecovered"`
	DataSize         int64 `json:"dataSize"`
}

// RecoverResponse answers POST /api/recover.
type RecoverResponse struct {
	Success      bool          `json:"success"`
	SessionID    string        `json:"sessionId,omitempty"`
	SQLFile      string        `json:"sqlFile,omitempty"`
	DBFile       string        `json:"dbFile,omitempty"`
	LogFile      string        `json:"logFile,omitempty"`
	Strategy     string        `json:"strategy,omitempty"`
	Partial      bool          `json:"partial,omitempty"`
	FailedTables []string      `json:"failedTables,omitempty"`
	Stats        *RecoverStats `json:"stats,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ProgressFrame is the payload of one server-sent progress event.
type ProgressFrame struct {
	Type      string   `json:"type"`
	Phase     string   `json:"phase,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`
	Message   string   `json:"message,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// SQLiteStatus reports the capability probe of the sqlite3 shell.
type SQLiteStatus struct {
	Binary   string `json:"binary"`
	Probed   bool   `json:"probed"`
	Version  string `json:"version,omitempty"`
	Recover  bool   `json:"recover"`
	Detail   string `json:"detail,omitempty"`
	ProbedAt string `json:"probedAt,omitempty"`
}

// StatusResponse answers GET /api/status.
type StatusResponse struct {
	Status          string       `json:"status"`
	LastActivity    string       `json:"lastActivity,omitempty"`
	LastArtifact    string       `json:"lastArtifact,omitempty"`
	LiveSessions    int          `json:"liveSessions"`
	Processes       int          `json:"processes"`
	WatchedSessions int          `json:"watchedSessions"`
	SQLite          SQLiteStatus `json:"sqlite"`
	PID             int          `json:"pid,omitempty"`
}

// ErrorResponse is the body of non-recover error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse answers GET /api/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// AbortResponse answers POST /api/abort.
type AbortResponse struct {
	Success             bool `json:"success"`
	ProcessesTerminated int  `json:"processesTerminated"`
	SessionsCanceled    int  `json:"sessionsCanceled"`
}

// Attempt describes one strategy run inside a session.
type Attempt struct {
	Strategy        string   `json:"strategy"`
	Success         bool     `json:"success"`
	ErrorDetail     string   `json:"errorDetail,omitempty"`
	TablesRecovered int      `json:"tablesRecovered,omitempty"`
	TablesFailed    int      `json:"tablesFailed,omitempty"`
	FailedTables    []string `json:"failedTables,omitempty"`
	Bytes           int64    `json:"bytes"`
	DurationMillis  int64    `json:"durationMs"`
}

// TableStat is the row count of one recovered table.
type TableStat struct {
	Name  string `json:"name"`
	Rows  int64  `json:"rows"`
	Error string `json:"error,omitempty"`
}

// DatabaseStats summarizes the materialized database.
type DatabaseStats struct {
	TableCount    int         `json:"tableCount"`
	TotalRowCount int64       `json:"totalRowCount"`
	SizeBytes     int64       `json:"sizeBytes"`
	Tables        []TableStat `json:"tables,omitempty"`
}

// SessionSummary answers GET /api/sessions/{id}.
type SessionSummary struct {
	ID         string          `json:"id"`
	Mode       string          `json:"mode"`
	Status     string          `json:"status"`
	CreatedAt  string          `json:"createdAt,omitempty"`
	FinishedAt string          `json:"finishedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	SQLFile    string          `json:"sqlFile,omitempty"`
	DBFile     string          `json:"dbFile,omitempty"`
	LogFile    string          `json:"logFile,omitempty"`
	Attempts   []Attempt       `json:"attempts,omitempty"`
	Stats      *DatabaseStats  `json:"stats,omitempty"`
	Events     []ProgressFrame `json:"events"`
}

// SessionListResponse answers GET /api/sessions.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}
