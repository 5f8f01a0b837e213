package tunnel

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// ErrConfigNotFound means the runtime configuration or the stored
	// configuration blob for a connection could not be found at connect time.
	ErrConfigNotFound = errors.New("vpn configuration not found")
	// ErrAlreadyConnected is informational: connect is idempotent and reports
	// it through ConnectResult rather than as a failure.
	ErrAlreadyConnected   = errors.New("vpn already connected")
	ErrProcessSpawnFailed = errors.New("vpn client process failed to start")
	ErrUnsupportedBackend = errors.New("unsupported vpn backend")
	ErrLogParseFailed     = errors.New("vpn client log could not be parsed")
	// ErrInterfaceUnavailable means no tunnel device name could be extracted
	// from the client log.
	ErrInterfaceUnavailable = errors.New("could not determine vpn interface")
	// ErrNotFound means there is no persisted record for the id (or it belongs
	// to another organization).
	ErrNotFound = errors.New("vpn configuration record not found")
	// ErrNotActive means the connection is neither supervised nor has left a
	// log behind.
	ErrNotActive = errors.New("vpn connection not active")
	// ErrInvalidCredentials means a credential field cannot be written into
	// a client config or auth file as a single value.
	ErrInvalidCredentials = errors.New("invalid vpn credentials")
)
