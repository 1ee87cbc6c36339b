package chain

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// IsServing reports whether the axon advertises a reachable endpoint.
func (a AxonInfo) IsServing() bool {
	ip := strings.TrimSpace(a.IP)
	return ip != "" && ip != "0.0.0.0" && ip != "::" && a.Port != 0
}

// Endpoint returns host:port, or "" for an unset axon.
func (a AxonInfo) Endpoint() string {
	if !a.IsServing() {
		return ""
	}
	return net.JoinHostPort(strings.TrimSpace(a.IP), strconv.Itoa(int(a.Port)))
}

// FormatAxon encodes an axon as its wire string. Unset axons encode to "".
func FormatAxon(a AxonInfo) string {
	if !a.IsServing() {
		return ""
	}
	a.IP = strings.TrimSpace(a.IP)
	raw, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return string(raw)
}

// ParseAxon decodes a wire string produced by FormatAxon. The empty string
// decodes to the zero AxonInfo.
func ParseAxon(s string) (AxonInfo, error) {
	var a AxonInfo
	s = strings.TrimSpace(s)
	if s == "" {
		return a, nil
	}
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return AxonInfo{}, fmt.Errorf("parse axon: %w", err)
	}
	if a.IP != "" && net.ParseIP(a.IP) == nil {
		return AxonInfo{}, fmt.Errorf("parse axon: invalid ip %q", a.IP)
	}
	return a, nil
}
