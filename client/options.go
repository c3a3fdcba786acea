package client

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Options configures the behavior of a Conn.
type Options struct {
	// SessionIdleThreshold is the window after the session's last use inside
	// which it is assumed live without a round trip. Sessions older than the
	// threshold are probed with ProbeStatement before being trusted. The
	// right value depends on the server-side session TTL of the deployment,
	// which is why this is policy rather than a constant. A zero value means
	// every liveness check probes.
	// Default: 50 minutes.
	SessionIdleThreshold time.Duration `yaml:"sessionIdleThreshold"`

	// ProbeStatement is the no-op query used to probe a possibly stale
	// session.
	// Default: "SELECT 1"
	ProbeStatement string `yaml:"probeStatement"`

	// Logger receives the driver's structured logs. If nil, logging is
	// disabled.
	Logger *zap.Logger `yaml:"-"`
}

// DefaultOptions returns Options with default values.
func DefaultOptions() Options {
	return Options{
		SessionIdleThreshold: 50 * time.Minute,
		ProbeStatement:       "SELECT 1",
	}
}

// LoadOptions reads deployment policy from a YAML file, starting from
// DefaultOptions. Only the fields present in the file are overridden.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// UnmarshalYAML decodes Options with the idle threshold written as a
// duration string ("50m", "30s"). Fields absent from the document keep
// whatever value the receiver already holds.
func (o *Options) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SessionIdleThreshold string `yaml:"sessionIdleThreshold"`
		ProbeStatement       string `yaml:"probeStatement"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.SessionIdleThreshold != "" {
		d, err := time.ParseDuration(raw.SessionIdleThreshold)
		if err != nil {
			return fmt.Errorf("sessionIdleThreshold: %w", err)
		}
		o.SessionIdleThreshold = d
	}
	if raw.ProbeStatement != "" {
		o.ProbeStatement = raw.ProbeStatement
	}
	return nil
}

// withDefaults fills the fields a zero Options would leave unusable.
func (o Options) withDefaults() Options {
	if o.ProbeStatement == "" {
		o.ProbeStatement = "SELECT 1"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
