/*
Package config collects the plain configuration structs for every
component cmd/corepipe-server wires together, following
pkg/redis.Config pattern (a plain struct with documented defaults applied
by the constructor, not a config-file library — nothing in the example
corpus imports one directly).
*/
package config

import (
	"time"

	"corepipe/netconn"
	"corepipe/ratelimit"
)

// Server is the top-level configuration for cmd/corepipe-server.
type Server struct {
	MagicNumber uint32

	TCP TCPConfig
	UDP UDPConfig

	IPLimit IPLimitConfig
	Bucket  ratelimit.Config

	HandshakeSecret   string
	HandshakeLifetime time.Duration
	RequireHandshake  bool

	MetricsAddr string
}

// TCPConfig mirrors netconn.TCPConfig's fields so callers can build one
// without importing netconn directly from their flag-parsing layer.
type TCPConfig struct {
	Port                   uint16
	ReuseAddress           bool
	NoDelay                bool
	BufferSize             uint32
	KeepAlive              bool
	Backlog                int
	MaxSimultaneousAccepts int
	MinWorkerThreads       int
}

func (c TCPConfig) ToNetconn() netconn.TCPConfig {
	return netconn.TCPConfig{
		Port:                   c.Port,
		ReuseAddress:           c.ReuseAddress,
		NoDelay:                c.NoDelay,
		BufferSize:             c.BufferSize,
		KeepAlive:              c.KeepAlive,
		Backlog:                c.Backlog,
		MaxSimultaneousAccepts: c.MaxSimultaneousAccepts,
		MinWorkerThreads:       c.MinWorkerThreads,
	}
}

// UDPConfig mirrors netconn.UDPConfig.
type UDPConfig struct {
	Port        uint16
	BufferSize  uint32
	MinUdpSize  uint16
	WorkerCount int
}

func (c UDPConfig) ToNetconn() netconn.UDPConfig {
	return netconn.UDPConfig{
		Port:        c.Port,
		BufferSize:  c.BufferSize,
		MinUdpSize:  c.MinUdpSize,
		WorkerCount: c.WorkerCount,
	}
}

// IPLimitConfig configures the per-IP connection cap.
type IPLimitConfig struct {
	MaxPerIP          int
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
}

// DefaultServer returns sane defaults, suitable as a starting point
// before flag overrides are applied.
func DefaultServer() Server {
	return Server{
		MagicNumber: 0x43505031, // "CPP1"
		TCP: TCPConfig{
			Port:                   7690,
			ReuseAddress:           true,
			NoDelay:                true,
			BufferSize:             64 * 1024,
			KeepAlive:              true,
			Backlog:                100,
			MaxSimultaneousAccepts: 32,
			MinWorkerThreads:       4,
		},
		UDP: UDPConfig{
			Port:        7691,
			BufferSize:  64 * 1024,
			MinUdpSize:  18,
			WorkerCount: 8,
		},
		IPLimit: IPLimitConfig{
			MaxPerIP:          64,
			InactivityTimeout: 5 * time.Minute,
			CleanupInterval:   30 * time.Second,
		},
		Bucket:            ratelimit.DefaultConfig(),
		HandshakeLifetime: time.Hour,
		RequireHandshake:  true,
		MetricsAddr:       ":9090",
	}
}
