package secrets

import "errors"

var (
	// ErrInvalidTOML is returned when an allowlist file cannot be parsed.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")

	// ErrInvalidRegex is returned when a rule or allowlist pattern does not compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrWatcherFailed is returned when the allowlist watcher cannot start.
	ErrWatcherFailed = errors.New("allowlist watcher failed")
)
