// Package discovery advertises the signaling endpoint on the local network
// over mDNS/DNS-SD so LAN clients can find the relay without configuration.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_aero-room-relay._tcp"
	Domain      = "local."

	// SignalPath is advertised in the TXT record so clients can build the
	// WebSocket URL.
	SignalPath = "/webrtc/signal"
)

var ErrClosed = errors.New("discovery: advertiser closed")

// mdnsServer is the part of *zeroconf.Server the advertiser uses.
type mdnsServer interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (mdnsServer, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (mdnsServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type Config struct {
	// Instance is the DNS-SD instance name.
	Instance string
	// Port is the TCP port the relay listens on.
	Port int

	AuthMode     string
	Subprotocols []string
	Version      string

	Logger *slog.Logger
}

// TXT builds the TXT record entries for cfg.
func TXT(cfg Config) []string {
	txt := []string{
		"path=" + SignalPath,
		"v=1",
	}
	if cfg.AuthMode != "" {
		txt = append(txt, "auth="+cfg.AuthMode)
	}
	for i, p := range cfg.Subprotocols {
		txt = append(txt, "proto"+strconv.Itoa(i)+"="+p)
	}
	if cfg.Version != "" {
		txt = append(txt, "build="+cfg.Version)
	}
	return txt
}

// Advertiser publishes the relay's DNS-SD record until Close.
type Advertiser struct {
	mu     sync.Mutex
	server mdnsServer
	closed bool
	log    *slog.Logger
}

func Advertise(cfg Config) (*Advertiser, error) {
	return advertise(cfg, zeroconfRegister)
}

func advertise(cfg Config, register registerFunc) (*Advertiser, error) {
	if cfg.Instance == "" {
		return nil, errors.New("discovery: instance name is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	server, err := register(cfg.Instance, ServiceType, Domain, cfg.Port, TXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", ServiceType, err)
	}
	log.Info("mdns advertisement started", "instance", cfg.Instance, "service", ServiceType, "port", cfg.Port)
	return &Advertiser{server: server, log: log}, nil
}

// Close withdraws the advertisement. It is safe to call more than once.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.closed = true
	a.server.Shutdown()
	a.log.Info("mdns advertisement stopped")
	return nil
}

// PortFromAddr extracts the port from a listener address like "0.0.0.0:8080".
func PortFromAddr(addr net.Addr) (int, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port, nil
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
