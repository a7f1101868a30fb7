package config

import "time"

// SessionConfig is the configuration surface of the session lifecycle
// manager: how long a session may sit idle, how far ahead of the timeout the
// warning fires, and how often idleness is evaluated.
type SessionConfig interface {
	GetIdleTimeout() time.Duration
	GetWarningLead() time.Duration
	GetCheckInterval() time.Duration
	GetHTTPTimeout() time.Duration
}

const (
	idleTimeoutVar   = "IDLE_TIMEOUT"
	warningLeadVar   = "IDLE_WARNING_LEAD"
	checkIntervalVar = "IDLE_CHECK_INTERVAL"
	httpTimeoutVar   = "HTTP_TIMEOUT"

	defaultIdleTimeout   = 20 * time.Minute
	defaultWarningLead   = 2 * time.Minute
	defaultCheckInterval = 30 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
)

type Session struct{}

var _ SessionConfig = Session{}

func (Session) GetIdleTimeout() time.Duration {
	return getDuration(idleTimeoutVar, defaultIdleTimeout)
}

func (Session) GetWarningLead() time.Duration {
	return getDuration(warningLeadVar, defaultWarningLead)
}

func (Session) GetCheckInterval() time.Duration {
	return getDuration(checkIntervalVar, defaultCheckInterval)
}

func (Session) GetHTTPTimeout() time.Duration {
	return getDuration(httpTimeoutVar, defaultHTTPTimeout)
}

func getDuration(envVar string, defaultValue time.Duration) time.Duration {
	raw := GetEnv(envVar, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
