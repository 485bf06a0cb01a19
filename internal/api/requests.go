package api

import (
	"net/http"
	"time"

	"github.com/relaystack/toolgate/pkg/gateway"
)

// CreateServerRequest declares a capability server and asks the gateway to
// connect it. Exactly one of URL or Command must be set, matching the
// transport kind.
type CreateServerRequest struct {
	ID        string `json:"id" binding:"required"`
	Name      string `json:"name"`
	Transport string `json:"transport" binding:"required"`

	// HTTP / event-stream transports
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Subprocess transport
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`

	// Credential is write-only; it is never echoed back in any response.
	Credential *CredentialRequest `json:"credential,omitempty"`

	TimeoutMs  int  `json:"timeout_ms,omitempty"`
	LogTraffic bool `json:"log_traffic,omitempty"`
}

// CredentialRequest carries a per-server secret.
type CredentialRequest struct {
	Token  string `json:"token"`
	EnvVar string `json:"env_var,omitempty"`
}

// toConfig converts the request into the gateway configuration for its
// transport kind. Validation errors are returned as plain errors; the
// handler maps them to 400 responses.
func (r *CreateServerRequest) toConfig() (gateway.ServerConfig, error) {
	var cred *gateway.Credential
	if r.Credential != nil && r.Credential.Token != "" {
		cred = &gateway.Credential{Token: r.Credential.Token, EnvVar: r.Credential.EnvVar}
	}
	base := gateway.BaseServerConfig{
		Name:       r.Name,
		Credential: cred,
		Timeout:    time.Duration(r.TimeoutMs) * time.Millisecond,
		LogTraffic: r.LogTraffic,
	}

	switch gateway.TransportKind(r.Transport) {
	case gateway.TransportSubprocess:
		if r.Command == "" {
			return nil, errTransport("subprocess transport requires command")
		}
		if r.URL != "" {
			return nil, errTransport("subprocess transport must not set url")
		}
		return &gateway.SubprocessServerConfig{
			BaseServerConfig: base,
			Command:          r.Command,
			Args:             r.Args,
			Env:              r.Env,
			Dir:              r.Dir,
		}, nil
	case gateway.TransportHTTP, gateway.TransportEventStream:
		if r.URL == "" {
			return nil, errTransport("http transport requires url")
		}
		if r.Command != "" {
			return nil, errTransport("http transport must not set command")
		}
		var headers http.Header
		if len(r.Headers) > 0 {
			headers = make(http.Header, len(r.Headers))
			for k, v := range r.Headers {
				headers.Set(k, v)
			}
		}
		return &gateway.HTTPServerConfig{
			BaseServerConfig: base,
			Kind:             gateway.TransportKind(r.Transport),
			Endpoint:         r.URL,
			Headers:          headers,
		}, nil
	default:
		return nil, errTransport("unknown transport '" + r.Transport + "'")
	}
}

type transportError string

func errTransport(msg string) error { return transportError(msg) }

func (e transportError) Error() string { return string(e) }

// InvokeRequest calls a tool by its namespaced key.
type InvokeRequest struct {
	Key       string         `json:"key" binding:"required"`
	Arguments map[string]any `json:"arguments"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

// CapabilityResponse is the admin-surface view of one registry entry.
type CapabilityResponse struct {
	Key         string `json:"key"`
	ServerID    string `json:"server_id"`
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func capabilityToResponse(entry *gateway.NamespacedCapability) CapabilityResponse {
	return CapabilityResponse{
		Key:         entry.Key,
		ServerID:    entry.ServerID,
		Kind:        string(entry.Kind),
		Name:        entry.Name,
		Description: entry.Description,
	}
}
