package tcp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/c360/activecore/errors"
)

// ParseAddress validates a textual bind address. An empty host means every
// interface and "localhost" means the IPv4 loopback. Port 0 asks the OS for
// an ephemeral port.
func ParseAddress(host, port string) (net.IP, int, error) {
	var ip net.IP
	switch h := strings.TrimSpace(host); h {
	case "":
	case "localhost":
		ip = net.IPv4(127, 0, 0, 1)
	default:
		ip = net.ParseIP(strings.Trim(h, "[]"))
		if ip == nil {
			return nil, 0, errors.WrapInvalid(
				errors.Join(errors.ErrAddressParse, fmt.Errorf("invalid IP address %q", host)),
				"tcp", "ParseAddress", "address parsing")
		}
	}

	p, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil || p < 0 || p > 65535 {
		return nil, 0, errors.WrapInvalid(
			errors.Join(errors.ErrAddressParse, fmt.Errorf("invalid port %q", port)),
			"tcp", "ParseAddress", "address parsing")
	}

	return ip, p, nil
}

func sanitizeMetricName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
