package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUpstreamTimeout is returned when an injected callback exceeds its deadline.
	ErrUpstreamTimeout = errors.New("upstream callback timed out")
	// ErrCallbackMissing is returned when a step needs a callback the config lacks.
	ErrCallbackMissing = errors.New("required callback not configured")
)

// ConfigError aggregates every configuration violation found at plugin
// construction. Configuration is validated exactly once; no config problem
// surfaces at runtime.
type ConfigError struct {
	Plugin string
	Issues []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s config: %s", e.Plugin, strings.Join(e.Issues, "; "))
}

// NewConfigError returns nil when issues is empty, so constructors can
// collect violations unconditionally and return the aggregate at the end.
func NewConfigError(pluginName string, issues []string) error {
	if len(issues) == 0 {
		return nil
	}
	return &ConfigError{Plugin: pluginName, Issues: issues}
}
