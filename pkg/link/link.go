// Package link reports whether the host has a usable network link.
package link

import (
	"errors"
	"fmt"
	"net"
)

var ErrNoLink = errors.New("no network link")

// Link is the network association underneath the broker session.
type Link interface {
	// Associate checks the link once and returns the local address when up.
	Associate() (string, error)
	Up() bool
}

// Interface considers the link up when the named interface (or, with an
// empty name, any non-loopback interface) is up and has a unicast address.
type Interface struct {
	Name string

	// interfaces is swapped in tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)
}

func NewInterface(name string) *Interface {
	return &Interface{
		Name:       name,
		interfaces: net.Interfaces,
		addrs:      func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

func (l *Interface) Associate() (string, error) {
	ifaces, err := l.interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if l.Name != "" && iface.Name != l.Name {
			continue
		}
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := l.addrs(iface)
		if err != nil {
			continue
		}
		if ip := firstUnicast(addrs); ip != "" {
			return ip, nil
		}
	}
	if l.Name != "" {
		return "", fmt.Errorf("%w on %s", ErrNoLink, l.Name)
	}
	return "", ErrNoLink
}

func (l *Interface) Up() bool {
	_, err := l.Associate()
	return err == nil
}

// firstUnicast prefers IPv4 and falls back to a global IPv6 address.
func firstUnicast(addrs []net.Addr) string {
	var v6 string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
		if v6 == "" {
			v6 = ipnet.IP.String()
		}
	}
	return v6
}
