// Package discovery advertises a pdfsync server on the local network so
// clients can find it without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD service name servers announce.
const ServiceType = "_pdfsync._tcp"

// Advertiser answers mDNS queries for one server until shut down.
type Advertiser struct {
	server *mdns.Server
}

// Advertise announces instance on port. ips may be nil to detect the host's
// addresses.
func Advertise(instance string, port int, ips []net.IP) (*Advertiser, error) {
	service, err := newService(instance, "", port, ips)
	if err != nil {
		return nil, err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func newService(instance, hostName string, port int, ips []net.IP) (*mdns.MDNSService, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}
	service, err := mdns.NewMDNSService(instance, ServiceType, "", hostName, port, ips, []string{"pdfsync", "ws=/documents/{id}/ws"})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	return service, nil
}

// Shutdown stops answering queries.
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Browse returns host:port addresses of servers that answer within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]string, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	results := make(chan []string, 1)
	go func() {
		var found []string
		seen := make(map[string]bool)
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			addr := fmt.Sprintf("%s:%d", e.AddrV4, e.Port)
			if !seen[addr] {
				seen[addr] = true
				found = append(found, addr)
			}
		}
		results <- found
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.QueryContext(ctx, params)
	close(entries)
	found := <-results
	if err != nil && !errors.Is(err, context.Canceled) {
		return found, fmt.Errorf("mdns query: %w", err)
	}
	return found, nil
}
