package models

import (
	"time"
)

// ServerProtocol is the transport variant used to reach a remote agent.
type ServerProtocol string

const (
	// ProtocolHTTPS is TLS transport; self-signed certificates are accepted.
	ProtocolHTTPS ServerProtocol = "https"
	// ProtocolHTTP is plain transport.
	ProtocolHTTP ServerProtocol = "http"
)

// RemoteAgentCredential identifies a remote agent and the password used to log
// in to it. It is never persisted in this form.
type RemoteAgentCredential struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Password string `json:"-"`
}

// DiscoveredServer is a remote agent that has been reached at least once.
// ID is the vendor machine-id and never changes once assigned. Alias and Note
// belong to the server registry and are not touched by discovery.
type DiscoveredServer struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Alias             string         `json:"alias,omitempty"`
	Note              string         `json:"note,omitempty"`
	BaseURL           string         `json:"base_url"`
	Protocol          ServerProtocol `json:"protocol"`
	PasswordEncrypted []byte         `json:"-"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewDiscoveredServer creates a DiscoveredServer from a successful discovery.
func NewDiscoveredServer(id, name, baseURL string, protocol ServerProtocol, passwordEncrypted []byte) *DiscoveredServer {
	now := time.Now()
	return &DiscoveredServer{
		ID:                id,
		Name:              name,
		BaseURL:           baseURL,
		Protocol:          protocol,
		PasswordEncrypted: passwordEncrypted,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// DisplayName returns the alias when one is set, otherwise the vendor name.
func (s *DiscoveredServer) DisplayName() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Name
}
