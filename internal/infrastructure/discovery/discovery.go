// Package discovery advertises the module's API endpoint over mDNS so
// operator tools can find Fingerprint modules on the local network.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
)

// maxInstanceNameLen is the DNS label limit.
const maxInstanceNameLen = 63

var (
	// ErrDisabled is returned by Start when discovery is switched off.
	ErrDisabled = errors.New("discovery: disabled in configuration")

	// ErrRegisterFailed wraps zeroconf registration failures.
	ErrRegisterFailed = errors.New("discovery: register failed")
)

// Info is what gets advertised.
type Info struct {
	ModuleID string
	Mode     string
	Version  string
	Port     int
	// Interface restricts advertising to one interface. Empty means all.
	Interface string
}

// Advertiser owns one zeroconf registration.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Start registers the service and returns an Advertiser whose Stop
// withdraws it.
func Start(cfg config.DiscoveryConfig, info Info) (*Advertiser, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	var opts []zeroconf.ServerOption
	if cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(cfg.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		InstanceName(cfg.Instance, info.ModuleID),
		cfg.Service,
		cfg.Domain,
		info.Port,
		TXTRecords(info),
		interfaces(info.Interface),
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegisterFailed, err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement. Safe to call more than once.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// InstanceName returns the configured instance name, or "Fingerprint-<id>"
// when none is set, truncated to a DNS label.
func InstanceName(configured, moduleID string) string {
	name := configured
	if name == "" {
		name = "Fingerprint-" + moduleID
	}
	if len(name) > maxInstanceNameLen {
		name = name[:maxInstanceNameLen]
	}
	return name
}

// TXTRecords encodes info as sorted key=value strings.
func TXTRecords(info Info) []string {
	txt := map[string]string{
		"module":  info.ModuleID,
		"mode":    info.Mode,
		"version": info.Version,
	}
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		if v == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ParseTXTRecords is the inverse of TXTRecords.
func ParseTXTRecords(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// interfaces returns nil (all interfaces) unless name resolves.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}
