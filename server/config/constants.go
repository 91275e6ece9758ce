package config

import "time"

// DefaultConfigFile is looked up in the working directory when no file is
// given
const DefaultConfigFile = "polycall.yml"

// Network defaults. The port sits outside the ranges used by common
// databases, brokers and development servers.
const (
	PROTOCOL_SERVER_PORT = 7431

	DEFAULT_SERVER_ADDRESS = "0.0.0.0"
	LOCALHOST_ADDRESS      = "127.0.0.1"
)

// Core defaults
const (
	DEFAULT_FUNCTION_CAPACITY = 256
	DEFAULT_CALLBACK_CAPACITY = 64
	DEFAULT_CALL_TIMEOUT      = 5 * time.Second
	DEFAULT_SHUTDOWN_TIMEOUT  = 10 * time.Second

	DEFAULT_BREAKER_THRESHOLD = 5
	DEFAULT_BREAKER_RECOVERY  = 30 * time.Second
)

// Port validation constants
const (
	MIN_PORT = 1
	MAX_PORT = 65535
)

// IsValidPort checks if a port number is within valid range
func IsValidPort(port int) bool {
	return port >= MIN_PORT && port <= MAX_PORT
}
