// Package discovery finds an MQTT broker on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/enbility/zeroconf/v3"
	log "github.com/sirupsen/logrus"
)

const (
	ServiceType = "_mqtt._tcp"
	Domain      = "local."
)

var ErrNotFound = errors.New("no mqtt broker advertised")

// Broker is one advertised broker instance.
type Broker struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
}

// URL returns a paho broker URL, preferring the first resolved address
// over the host name.
func (b Broker) URL() string {
	host := b.Host
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(b.Port))
}

type Resolver struct {
	Interface string
	Timeout   time.Duration
}

// Resolve browses for ServiceType and returns the URL of the first broker
// that answers with a usable address.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	errc := make(chan error, 1)
	go func() {
		errc <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, r.options()...)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			b, ok := brokerFromEntry(entry)
			if !ok {
				continue
			}
			log.WithFields(log.Fields{"instance": b.Instance, "url": b.URL()}).Info("broker discovered")
			return b.URL(), nil
		case <-removed:
		case err := <-errc:
			if err != nil {
				return "", fmt.Errorf("browse %s: %w", ServiceType, err)
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func (r *Resolver) options() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if r.Interface != "" {
		iface, err := net.InterfaceByName(r.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

func brokerFromEntry(entry *zeroconf.ServiceEntry) (Broker, bool) {
	if entry == nil || entry.Port <= 0 {
		return Broker{}, false
	}
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 && entry.HostName == "" {
		return Broker{}, false
	}
	return Broker{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
	}, true
}
