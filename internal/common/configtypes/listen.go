package configtypes

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ListenAddress is a parsed listen setting. An empty Host binds all interfaces.
type ListenAddress struct {
	Host string
	Port int
}

// ParseListen accepts ":8080", "8080", "0.0.0.0:8080", "localhost:8080" and "[::1]:8080"
func ParseListen(listen string) (ListenAddress, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return ListenAddress{}, fmt.Errorf("listen address is empty")
	}

	// bare port
	if !strings.Contains(listen, ":") {
		port, err := strconv.Atoi(listen)
		if err != nil {
			return ListenAddress{}, fmt.Errorf("invalid listen address format: %s", listen)
		}
		return ListenAddress{Port: port}, nil
	}

	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return ListenAddress{}, fmt.Errorf("invalid listen address format: %s: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ListenAddress{}, fmt.Errorf("invalid port in listen address: %s", portStr)
	}
	return ListenAddress{Host: host, Port: port}, nil
}

// ValidateListen parses listen and checks the port range
func ValidateListen(listen string) error {
	addr, err := ParseListen(listen)
	if err != nil {
		return err
	}
	if addr.Port < 1 || addr.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", addr.Port)
	}
	return nil
}

// String returns the address in host:port form suitable for net.Listen
func (a ListenAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// AdvertiseHost returns the host peers should dial. Wildcard binds advertise fallback.
func (a ListenAddress) AdvertiseHost(fallback string) string {
	switch a.Host {
	case "", "0.0.0.0", "::":
		return fallback
	default:
		return a.Host
	}
}

// SamePort reports whether two listen settings would collide on the port
func SamePort(a, b string) bool {
	left, err1 := ParseListen(a)
	right, err2 := ParseListen(b)
	return err1 == nil && err2 == nil && left.Port == right.Port
}
