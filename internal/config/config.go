package config

import (
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/driftworks/cascade/pkg/config"
)

// Config stores environment configuration for Cascade.
type Config struct {
	Port        string
	DatabaseURL string
	WorkerID    string
	Platforms   []string
	StubMode    bool
}

// LoadConfig loads the Cascade configuration from environment variables.
func LoadConfig() Config {
	platformsEnv := strings.TrimSpace(config.GetEnv("PLATFORMS", "tiktok,youtube,instagram,x"))
	var platforms []string
	for _, p := range strings.Split(platformsEnv, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			platforms = append(platforms, p)
		}
	}

	return Config{
		Port:        config.GetEnv("PORT", "18030"),
		DatabaseURL: config.RequireEnv("DATABASE_URL"),
		WorkerID:    workerID(),
		Platforms:   platforms,
		StubMode:    config.GetEnvBool("PLATFORM_STUB_MODE", true),
	}
}

// workerID identifies this process in task claims. Defaults to
// hostname plus a random suffix so parallel workers never collide.
func workerID() string {
	if id := config.GetEnv("WORKER_ID", ""); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cascade"
	}
	return host + "-" + uuid.New().String()[:8]
}
