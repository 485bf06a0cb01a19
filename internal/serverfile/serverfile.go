// Package serverfile loads the declarative YAML list of capability servers
// connected at daemon startup.
package serverfile

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/relaystack/toolgate/internal/common/logger"
	"github.com/relaystack/toolgate/pkg/gateway"
)

// File is the top-level YAML document.
type File struct {
	Servers []Entry `yaml:"servers"`
}

// Entry declares one capability server. Exactly one of URL or Command must
// be set, matching the transport kind.
type Entry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"` // http, event-stream, subprocess

	// HTTP / event-stream transports
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Subprocess transport
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	Credential *CredentialEntry `yaml:"credential"`
	Timeout    Duration         `yaml:"timeout"`
	LogTraffic bool             `yaml:"logTraffic"`
}

// Duration accepts time.ParseDuration strings ("15s", "2m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// CredentialEntry carries a per-server secret, either inline or named by the
// environment variable holding it. TokenEnv is preferred so tokens stay out
// of the file.
type CredentialEntry struct {
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"tokenEnv"`
	// EnvVar names the variable the token is exported under for subprocess
	// servers.
	EnvVar string `yaml:"envVar"`
}

func (c *CredentialEntry) resolve() (*gateway.Credential, error) {
	if c == nil {
		return nil, nil
	}
	token := c.Token
	if c.TokenEnv != "" {
		token = os.Getenv(c.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("credential environment variable %s is empty", c.TokenEnv)
		}
	}
	if token == "" {
		return nil, nil
	}
	return &gateway.Credential{Token: token, EnvVar: c.EnvVar}, nil
}

// Load reads and parses the server file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse servers file: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Servers))
	for i := range f.Servers {
		entry := &f.Servers[i]
		if entry.ID == "" {
			return nil, fmt.Errorf("servers[%d]: id is required", i)
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("servers[%d]: duplicate id %q", i, entry.ID)
		}
		seen[entry.ID] = struct{}{}
		if _, err := entry.Build(); err != nil {
			return nil, fmt.Errorf("servers[%d] (%s): %w", i, entry.ID, err)
		}
	}
	return &f, nil
}

// Build converts the entry into the gateway configuration for its transport
// kind.
func (e *Entry) Build() (gateway.ServerConfig, error) {
	cred, err := e.Credential.resolve()
	if err != nil {
		return nil, err
	}
	base := gateway.BaseServerConfig{
		Name:       e.Name,
		Credential: cred,
		Timeout:    time.Duration(e.Timeout),
		LogTraffic: e.LogTraffic,
	}

	switch gateway.TransportKind(e.Transport) {
	case gateway.TransportSubprocess:
		if e.Command == "" {
			return nil, fmt.Errorf("subprocess transport requires command")
		}
		if e.URL != "" {
			return nil, fmt.Errorf("subprocess transport must not set url")
		}
		return &gateway.SubprocessServerConfig{
			BaseServerConfig: base,
			Command:          e.Command,
			Args:             e.Args,
			Env:              e.Env,
			Dir:              e.Dir,
		}, nil
	case gateway.TransportHTTP, gateway.TransportEventStream:
		if e.URL == "" {
			return nil, fmt.Errorf("%s transport requires url", e.Transport)
		}
		if e.Command != "" {
			return nil, fmt.Errorf("%s transport must not set command", e.Transport)
		}
		var headers http.Header
		if len(e.Headers) > 0 {
			headers = make(http.Header, len(e.Headers))
			for k, v := range e.Headers {
				headers.Set(k, v)
			}
		}
		return &gateway.HTTPServerConfig{
			BaseServerConfig: base,
			Kind:             gateway.TransportKind(e.Transport),
			Endpoint:         e.URL,
			Headers:          headers,
		}, nil
	case "":
		return nil, fmt.Errorf("transport is required")
	default:
		return nil, fmt.Errorf("unknown transport %q", e.Transport)
	}
}

// ConnectAll connects every declared server concurrently. Individual
// failures are logged and reported in the returned map; they never abort the
// other connections.
func ConnectAll(ctx context.Context, mgr *gateway.Manager, f *File, log *logger.Logger) map[string]error {
	results := make([]error, len(f.Servers))

	var eg errgroup.Group
	for i := range f.Servers {
		entry := &f.Servers[i]
		idx := i
		eg.Go(func() error {
			cfg, err := entry.Build()
			if err == nil {
				err = mgr.Connect(ctx, entry.ID, cfg)
			}
			if err != nil {
				log.Warn("startup connect failed",
					zap.String("server_id", entry.ID),
					zap.Error(err),
				)
				results[idx] = err
			}
			return nil
		})
	}
	_ = eg.Wait()

	failures := make(map[string]error)
	for i, err := range results {
		if err != nil {
			failures[f.Servers[i].ID] = err
		}
	}
	return failures
}
