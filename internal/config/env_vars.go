package config

import "os"

const (
	appNameVar   = "APP_NAME"
	baseURLVar   = "EMR_BASE_URL"
	redisAddrVar = "REDIS_ADDR"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "EMR Session")
}

// GetBaseURL returns the base URL of the clinical-records API
// (e.g., "https://api.clinic.example.com").
func (EnvVars) GetBaseURL() string {
	return GetEnv(baseURLVar, "http://localhost:8000")
}

// GetRedisAddr returns the address of the redis instance backing credential
// persistence. Empty means persistence stays in-process.
func (EnvVars) GetRedisAddr() string {
	return GetEnv(redisAddrVar, "")
}

func (EnvVars) GetEnv() string {
	env := os.Getenv("ENV")
	if env == "" {
		return "DEV"
	}
	return env
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}
