package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/loykin/devpilot/internal/config"
	"github.com/loykin/devpilot/pkg/client"
)

const defaultAPIURL = "http://127.0.0.1:7777/api"

// command binds CLI handlers to their output and global flags
type command struct {
	out    io.Writer
	global *GlobalFlags
}

// apiURL resolves the daemon URL: --api-url, then the config's server section,
// then the default local address.
func (c command) apiURL() (string, error) {
	if c.global.APIUrl != "" {
		return c.global.APIUrl, nil
	}
	if c.global.ConfigPath == "" {
		return defaultAPIURL, nil
	}
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return urlFor(cfg.Server), nil
}

func urlFor(s config.ServerConfig) string {
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return defaultAPIURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := s.BasePath
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + strings.TrimRight(base, "/")
}

// client returns an API client for a reachable daemon.
func (c command) client(ctx context.Context) (*client.Client, error) {
	u, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	cl := client.New(client.Config{BaseURL: u, Timeout: c.global.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'devpilot serve'", u)
	}
	return cl, nil
}
