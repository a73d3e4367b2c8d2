package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ServiceLocator is the parsed form of an "infrc:" address, e.g.
//
//	infrc:host=10.0.0.12,port=1100,dev=mlx5_0,devport=1
//
// Host and Port name the UDP endpoint used for queue pair bootstrapping.
// Dev and DevPort select the HCA; both are optional. Unknown options are
// tolerated so locators can carry keys for other layers.
type ServiceLocator struct {
	Host    string
	Port    uint16
	Dev     string
	DevPort uint8

	original string
}

// ParseServiceLocator parses a locator string of the form
// "infrc:host=<ipv4>,port=<u16>[,dev=<name>][,devport=<u8>]".
func ParseServiceLocator(s string) (*ServiceLocator, error) {
	rest, ok := strings.CutPrefix(s, "infrc:")
	if !ok {
		return nil, fmt.Errorf("service locator %q: missing infrc: scheme", s)
	}

	sl := &ServiceLocator{DevPort: defaultIBPhysicalPort, original: s}
	seenHost, seenPort := false, false
	for _, opt := range strings.Split(rest, ",") {
		if opt == "" {
			continue
		}
		key, value, found := strings.Cut(opt, "=")
		if !found {
			return nil, fmt.Errorf("service locator %q: malformed option %q", s, opt)
		}
		switch key {
		case "host":
			if net.ParseIP(value) == nil {
				return nil, fmt.Errorf("service locator %q: bad host %q", s, value)
			}
			sl.Host = value
			seenHost = true
		case "port":
			p, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("service locator %q: bad port %q: %w", s, value, err)
			}
			sl.Port = uint16(p)
			seenPort = true
		case "dev":
			sl.Dev = value
		case "devport":
			p, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("service locator %q: bad devport %q: %w", s, value, err)
			}
			sl.DevPort = uint8(p)
		default:
			// Unknown options belong to other layers.
		}
	}
	if !seenHost || !seenPort {
		return nil, fmt.Errorf("service locator %q: host and port are required", s)
	}
	return sl, nil
}

// UDPAddr returns the bootstrap endpoint as a net.UDPAddr.
func (sl *ServiceLocator) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(sl.Host), Port: int(sl.Port)}
}

// String returns the original locator string.
func (sl *ServiceLocator) String() string { return sl.original }
