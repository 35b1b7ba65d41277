package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Global represents the shared ~/.lojachat/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile represents a per-profile profile.toml. The bearer token and the
// authenticated user id come from the storefront's auth flow, which is
// outside this client; they are plain values here.
type Profile struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	UserID    string `toml:"user_id"`

	// Optional tuning, zero means default.
	PageSize         int `toml:"page_size"`
	PollSeconds      int `toml:"poll_seconds"`
	ReconnectSeconds int `toml:"reconnect_seconds"`
}

const (
	defaultPageSize         = 50
	defaultPollSeconds      = 10
	defaultReconnectSeconds = 3
)

// MessagePageSize returns the bounded message page size.
func (p *Profile) MessagePageSize() int {
	if p.PageSize > 0 {
		return p.PageSize
	}
	return defaultPageSize
}

// PollInterval returns the polling fallback interval.
func (p *Profile) PollInterval() time.Duration {
	if p.PollSeconds > 0 {
		return time.Duration(p.PollSeconds) * time.Second
	}
	return defaultPollSeconds * time.Second
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (p *Profile) ReconnectDelay() time.Duration {
	if p.ReconnectSeconds > 0 {
		return time.Duration(p.ReconnectSeconds) * time.Second
	}
	return defaultReconnectSeconds * time.Second
}

// Validate checks that the profile has the fields required to talk to the
// chat backend.
func (p *Profile) Validate() error {
	if p.ServerURL == "" {
		return fmt.Errorf("profile missing server_url")
	}
	if _, err := url.Parse(p.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if p.UserID == "" {
		return fmt.Errorf("profile missing user_id")
	}
	return nil
}

// WebSocketURL derives the streaming endpoint from the REST base URL:
// same host, protocol swapped http→ws / https→wss, path /ws.
func (p *Profile) WebSocketURL() string {
	base := strings.TrimSuffix(p.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// LoadGlobal reads the global config from the given path.
func LoadGlobal(path string) (*Global, error) {
	var cfg Global
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads a profile config from the given path.
func LoadProfile(path string) (*Profile, error) {
	var cfg Profile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveProfile writes a profile config, creating parent dirs as needed.
// The file holds a bearer token, so permissions are 0600.
func SaveProfile(path string, cfg *Profile) error {
	return save(path, cfg)
}

// SaveGlobal writes the global config.
func SaveGlobal(path string, cfg *Global) error {
	return save(path, cfg)
}

func save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
