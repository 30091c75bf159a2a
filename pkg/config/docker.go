package config

import (
	"os"
	"sync"
)

// dockerEnvFile exists in every Docker container.
var dockerEnvFile = "/.dockerenv"

var (
	inDockerOnce sync.Once
	inDocker     bool
)

// IsRunningInDocker reports whether the process runs inside a Docker container.
// The result is computed once.
func IsRunningInDocker() bool {
	inDockerOnce.Do(func() {
		_, err := os.Stat(dockerEnvFile)
		inDocker = err == nil
	})
	return inDocker
}

// ResolveHostForDocker maps loopback hosts to host.docker.internal when running
// in a container so the metadata store and Redis on the host stay reachable.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	return resolveLoopback(host)
}

func resolveLoopback(host string) string {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return "host.docker.internal"
	default:
		return host
	}
}
