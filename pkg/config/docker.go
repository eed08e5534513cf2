package config

import (
	"net"
	"net/url"
	"os"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

const dockerHostGateway = "host.docker.internal"

// IsRunningInDocker returns true if the application is running inside a Docker container.
// Detection is based on the presence of /.dockerenv file which exists in all Docker containers.
// The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker returns host.docker.internal for loopback hosts when running
// in Docker, so services on the host machine stay reachable. Other hosts are unchanged.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

// ApplyDockerHosts rewrites loopback addresses of every external service in cfg.
func (c *Config) ApplyDockerHosts() {
	c.applyDockerHosts(IsRunningInDocker())
}

func (c *Config) applyDockerHosts(inDocker bool) {
	c.Database.Host = resolveHost(c.Database.Host, inDocker)
	if c.Redis.Host != "" {
		c.Redis.Host = resolveHost(c.Redis.Host, inDocker)
	}
	c.Storage.Minio.Endpoint = resolveHostPort(c.Storage.Minio.Endpoint, inDocker)
	c.LLM.Endpoint = resolveURL(c.LLM.Endpoint, inDocker)
}

func resolveHost(host string, inDocker bool) string {
	if inDocker && (host == "localhost" || host == "127.0.0.1") {
		return dockerHostGateway
	}
	return host
}

func resolveHostPort(hostport string, inDocker bool) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return resolveHost(hostport, inDocker)
	}
	return net.JoinHostPort(resolveHost(host, inDocker), port)
}

func resolveURL(raw string, inDocker bool) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Host = resolveHostPort(u.Host, inDocker)
	return u.String()
}
