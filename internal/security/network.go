package security

import "net"

// ParseCIDRList parses a list of CIDR strings (e.g. "10.0.0.0/8") into
// *net.IPNet values, for use with IsAllowedNetwork.
func ParseCIDRList(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// IsAllowedNetwork reports whether addr (host:port, or a bare host) falls
// within one of nets. An empty nets list is treated by callers as
// "unrestricted"; IsAllowedNetwork itself always checks strictly.
func IsAllowedNetwork(addr string, nets []*net.IPNet) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
