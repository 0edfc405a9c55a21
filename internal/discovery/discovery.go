// Package discovery announces and finds sync servers on the local network
// over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

// Service is the mDNS service type of the sync server.
const Service = "_collabtext._tcp"

const domain = "local."

// ErrNotFound is returned when no server answered before the context ended.
var ErrNotFound = errors.New("discovery: no server found")

// Advertisement is a running mDNS announcement.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a server listening on port until Shutdown.
func Advertise(port int, processID string) (*Advertisement, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("CollabText-%s", host)
	server, err := zeroconf.Register(instance, Service, domain, port, []string{"txtv=0", "process=" + processID}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", Service, err)
	}
	glog.Infof("mDNS service %s registered as %s on port %d", Service, instance, port)
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Find browses for a server and returns the address of the first one that
// answers, as host:port.
func Find(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browse %s: %w", Service, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr := Address(entry); addr != "" {
				glog.Infof("mDNS discovered %s at %s", entry.Instance, addr)
				return addr, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// Address returns the dialable address of entry, preferring IPv4.
func Address(entry *zeroconf.ServiceEntry) string {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return ""
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
}
