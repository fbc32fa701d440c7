// Package config loads and validates the JSON configuration surface
// (SPEC_FULL.md §6). The wire format is mandated as JSON by the spec
// itself, so this uses encoding/json directly — the same json struct-tag
// style the teacher's infra/conf package uses for its own config
// surface — rather than reaching for a YAML/TOML library with nothing in
// this design to parse.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/vlessid"
)

const (
	minBufferSize     = 1 << 10   // 1 KiB
	maxBufferSize     = 16 << 20  // 16 MiB
	defaultBuffer     = 128 << 10 // 128 KiB
	minUDPTimeout     = 1
	maxUDPTimeout     = 3600
	defaultUDPTimeout = 30
)

// User is one entry of the configured user set.
type User struct {
	UUID  string `json:"uuid"`
	Email string `json:"email,omitempty"`
}

// Server is the listener's bind and transport configuration.
type Server struct {
	Listen   string `json:"listen"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
	WSPath   string `json:"ws_path,omitempty"`
	PublicIP string `json:"public_ip,omitempty"`
}

// Performance holds every tunable relay/transport knob, as parsed
// straight from JSON. UDPTimeout is a pointer so FromFile can tell an
// omitted field (default applies) apart from an explicit 0 (spec.md §8:
// "udp_timeout = 0 or > 3600: rejected at config validation" — 0 must
// fail validation, not silently become the default).
type Performance struct {
	BufferSize         int  `json:"buffer_size,omitempty"`
	TCPRecvBuffer      int  `json:"tcp_recv_buffer,omitempty"`
	TCPSendBuffer      int  `json:"tcp_send_buffer,omitempty"`
	TCPNoDelay         bool `json:"tcp_nodelay,omitempty"`
	UDPTimeout         *int `json:"udp_timeout,omitempty"`
	UDPRecvBuffer      int  `json:"udp_recv_buffer,omitempty"`
	BufferPoolSize     int  `json:"buffer_pool_size,omitempty"`
	WSHeaderBufferSize int  `json:"ws_header_buffer_size,omitempty"`
	MaxConnections     int  `json:"max_connections,omitempty"`
	// AcceptProxyProtocol is a supplemented feature (SPEC_FULL.md §12):
	// the spec's JSON example doesn't show it, but nothing forbids it,
	// and the demux/transport layer already supports PROXY protocol v1/v2.
	AcceptProxyProtocol bool `json:"accept_proxy_protocol,omitempty"`
}

// ResolvedPerformance is Performance after validation and defaulting;
// UDPTimeout is a plain, always-in-range int from this point on.
type ResolvedPerformance struct {
	BufferSize          int
	TCPRecvBuffer       int
	TCPSendBuffer       int
	TCPNoDelay          bool
	UDPTimeout          int
	UDPRecvBuffer       int
	BufferPoolSize      int
	WSHeaderBufferSize  int
	MaxConnections      int
	AcceptProxyProtocol bool
}

// TLS holds the certificate material, all optional when TLS is disabled.
type TLS struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	ServerName string `json:"server_name,omitempty"`
}

// Accounting configures the optional periodic MongoDB persistence of
// per-user byte counters (SPEC_FULL.md §11 domain stack). A blank
// MongoURI disables persistence entirely; the in-memory accounting.Book
// and the monitoring endpoints work either way.
type Accounting struct {
	MongoURI      string `json:"mongo_uri,omitempty"`
	Database      string `json:"database,omitempty"`
	Collection    string `json:"collection,omitempty"`
	FlushInterval int    `json:"flush_interval_seconds,omitempty"`
}

// File is the raw, as-parsed JSON document (spec.md §6).
type File struct {
	Server      Server      `json:"server"`
	Users       []User      `json:"users"`
	Performance Performance `json:"performance"`
	TLS         TLS         `json:"tls"`
	Accounting  Accounting  `json:"accounting"`
}

// Config is the validated, defaulted configuration the rest of the
// program consumes. Users are parsed into wire-ready vlessid.IDs at this
// boundary (spec.md §6's "each UUID parses" rule), using
// github.com/google/uuid for RFC 4122 parsing rather than hand-rolling it
// a second time alongside internal/vlessid's wire-format type.
type Config struct {
	Listen      string
	Port        int
	Protocol    string // "tcp" or "ws"
	WSPath      string
	PublicIP    string
	Users       []ResolvedUser
	Performance ResolvedPerformance
	TLS         TLS
	Accounting  Accounting
}

// ResolvedUser is one user entry after UUID parsing.
type ResolvedUser struct {
	ID    vlessid.ID
	Email string
}

// Load reads path, parses it as JSON, and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("failed to read config file ", path).Base(err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.New("failed to parse config file ", path).Base(err)
	}
	return FromFile(&f)
}

// FromFile validates and defaults an already-parsed File.
func FromFile(f *File) (*Config, error) {
	if f.Server.Port == 0 {
		return nil, errors.New("server.port must not be 0")
	}
	if f.Server.Port < 1 || f.Server.Port > 65535 {
		return nil, errors.New("server.port must be in 1..=65535")
	}
	if len(f.Users) == 0 {
		return nil, errors.New("at least one user is required")
	}

	users := make([]ResolvedUser, 0, len(f.Users))
	for _, u := range f.Users {
		parsed, err := uuid.Parse(u.UUID)
		if err != nil {
			return nil, errors.New("invalid user UUID ", u.UUID).Base(err)
		}
		id, err := vlessid.FromBytes(parsed[:])
		if err != nil {
			return nil, errors.New("invalid user UUID ", u.UUID).Base(err)
		}
		users = append(users, ResolvedUser{ID: id, Email: u.Email})
	}

	protocol := f.Server.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	if protocol != "tcp" && protocol != "ws" {
		return nil, errors.New("server.protocol must be \"tcp\" or \"ws\", got ", protocol)
	}

	wsPath := f.Server.WSPath
	if wsPath == "" {
		wsPath = "/"
	}
	if !strings.HasPrefix(wsPath, "/") {
		wsPath = "/" + wsPath
	}

	bufferSize := f.Performance.BufferSize
	if bufferSize == 0 {
		bufferSize = defaultBuffer
	}
	bufferSize = clamp(bufferSize, minBufferSize, maxBufferSize)

	// UDPTimeout is a pointer so an omitted field (nil, defaults to
	// defaultUDPTimeout) is distinguishable from an explicit 0, which
	// spec.md §8 requires to be rejected rather than silently defaulted.
	udpTimeout := defaultUDPTimeout
	if f.Performance.UDPTimeout != nil {
		udpTimeout = *f.Performance.UDPTimeout
	}
	if udpTimeout < minUDPTimeout || udpTimeout > maxUDPTimeout {
		return nil, errors.New("performance.udp_timeout must be in [1, 3600], got ", udpTimeout)
	}

	perf := ResolvedPerformance{
		BufferSize:          bufferSize,
		TCPRecvBuffer:       f.Performance.TCPRecvBuffer,
		TCPSendBuffer:       f.Performance.TCPSendBuffer,
		TCPNoDelay:          f.Performance.TCPNoDelay,
		UDPTimeout:          udpTimeout,
		UDPRecvBuffer:       f.Performance.UDPRecvBuffer,
		BufferPoolSize:      f.Performance.BufferPoolSize,
		WSHeaderBufferSize:  f.Performance.WSHeaderBufferSize,
		MaxConnections:      f.Performance.MaxConnections,
		AcceptProxyProtocol: f.Performance.AcceptProxyProtocol,
	}

	if f.TLS.Enabled {
		if f.TLS.CertFile == "" || f.TLS.KeyFile == "" {
			return nil, errors.New("tls.enabled requires cert_file and key_file")
		}
	}

	acct := f.Accounting
	if acct.MongoURI != "" {
		if acct.Database == "" {
			acct.Database = "vlessd"
		}
		if acct.Collection == "" {
			acct.Collection = "accounting_snapshots"
		}
		if acct.FlushInterval <= 0 {
			acct.FlushInterval = 60
		}
	}

	return &Config{
		Listen:      f.Server.Listen,
		Port:        f.Server.Port,
		Protocol:    protocol,
		WSPath:      wsPath,
		PublicIP:    f.Server.PublicIP,
		Users:       users,
		Performance: perf,
		TLS:         f.TLS,
		Accounting:  acct,
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
