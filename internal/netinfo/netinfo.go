// Package netinfo reads address and routing details of a tunnel device.
package netinfo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// Address is the first IPv4 address of an interface (IPv6 if none).
type Address struct {
	IP      string
	Netmask string
}

// Inspector is implemented by System and by fakes in tests.
type Inspector interface {
	Address(ctx context.Context, device string) (Address, error)
	Routes(ctx context.Context, device string) ([]string, error)
}

// System inspects the host network stack.
type System struct {
	// IPBinary is the iproute2 binary used to list routes.
	IPBinary string
	Timeout  time.Duration
}

func NewSystem() *System { return &System{IPBinary: "ip", Timeout: 5 * time.Second} }

func (s *System) Address(ctx context.Context, device string) (Address, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return Address{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Name != device {
			continue
		}
		cidrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			cidrs = append(cidrs, a.Addr)
		}
		return pickAddress(device, cidrs)
	}
	return Address{}, fmt.Errorf("interface %s not found", device)
}

func pickAddress(device string, cidrs []string) (Address, error) {
	var v6 *Address
	for _, c := range cidrs {
		ip, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		a := Address{IP: ip.String(), Netmask: net.IP(ipnet.Mask).String()}
		if ip.To4() != nil {
			a.Netmask = net.IP(ipnet.Mask).To4().String()
			return a, nil
		}
		if v6 == nil {
			v6 = &a
		}
	}
	if v6 != nil {
		return *v6, nil
	}
	return Address{}, fmt.Errorf("interface %s has no address", device)
}

// Routes returns the route lines for device as printed by `ip route show dev`.
func (s *System) Routes(ctx context.Context, device string) ([]string, error) {
	bin := s.IPBinary
	if bin == "" {
		bin = "ip"
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	// #nosec G204 -- device name comes from the client log and is passed as a single argument
	out, err := exec.CommandContext(ctx, bin, "route", "show", "dev", device).Output()
	if err != nil {
		return nil, fmt.Errorf("ip route show dev %s: %w", device, err)
	}
	return parseRoutes(out), nil
}

func parseRoutes(out []byte) []string {
	routes := make([]string, 0)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			routes = append(routes, line)
		}
	}
	return routes
}
