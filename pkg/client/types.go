package client

import "time"

// ConnectResult is the response of POST /connect/:id.
type ConnectResult struct {
	ConfigID         string     `json:"config_id"`
	Status           string     `json:"status"`
	AlreadyConnected bool       `json:"already_connected"`
	PID              int        `json:"pid,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	Message          string     `json:"message"`
}

// DisconnectResult is the response of POST /disconnect/:id.
type DisconnectResult struct {
	ConfigID  string `json:"config_id"`
	Status    string `json:"status"`
	WasActive bool   `json:"was_active"`
	Message   string `json:"message"`
}

// ClientProcess holds resource usage of the VPN client process.
type ClientProcess struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NumThreads int32   `json:"num_threads"`
}

// Status is the response of GET /status/:id. Byte counters are nil when
// the client log holds no statistics.
type Status struct {
	ConfigID       string         `json:"config_id"`
	Name           string         `json:"name"`
	ConnectionType string         `json:"connection_type"`
	Status         string         `json:"status"`
	IsActive       bool           `json:"is_active"`
	CurrentStatus  string         `json:"current_status,omitempty"`
	ConnectedSince *time.Time     `json:"connected_since,omitempty"`
	PID            int            `json:"pid,omitempty"`
	BytesReceived  *int64         `json:"bytes_received,omitempty"`
	BytesSent      *int64         `json:"bytes_sent,omitempty"`
	LastUsedAt     *time.Time     `json:"last_used_at,omitempty"`
	Client         *ClientProcess `json:"client,omitempty"`
}

// Interface is the response of GET /interface/:id.
type Interface struct {
	ConfigID  string   `json:"config_id"`
	Interface string   `json:"interface"`
	IPAddress *string  `json:"ip_address"`
	Netmask   *string  `json:"netmask"`
	Routes    []string `json:"routes"`
}

// Connection is one supervised tunnel as listed by GET /connections.
type Connection struct {
	ConfigID       string     `json:"config_id"`
	OrganizationID int64      `json:"organization_id"`
	ConnectionType string     `json:"connection_type"`
	Phase          string     `json:"phase"`
	PID            int        `json:"pid,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LogPath        string     `json:"log_path"`
}

type connectionsResponse struct {
	Connections []Connection `json:"connections"`
	Count       int          `json:"count"`
}

// Summary is the response of GET /metrics.
type Summary struct {
	ActiveConnections int            `json:"active_connections"`
	TotalConfigs      int            `json:"total_configs"`
	ConfigsByStatus   map[string]int `json:"configs_by_status"`
	MemoryUsageMB     float64        `json:"memory_usage_mb"`
}

// UploadRequest describes a configuration upload. Config is the raw client
// configuration file; Filename names it in the multipart body.
type UploadRequest struct {
	Filename       string
	Config         []byte
	Name           string
	Username       string
	Password       string
	ConnectionType string
	Host           string
	Port           int
	TrustedCert    string
}

// ConfigCreated is the response of POST /config.
type ConfigCreated struct {
	ConfigID       string    `json:"config_id"`
	Name           string    `json:"name"`
	ConnectionType string    `json:"connection_type"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	Message        string    `json:"message"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
