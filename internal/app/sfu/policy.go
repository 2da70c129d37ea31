package sfu

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/dkeye/voicecore/internal/core"
)

const defaultListenIP = "0.0.0.0"

// TransportPolicy resolves the parameters of every new media transport.
// It holds no mutable state and is safe to share.
type TransportPolicy struct {
	listen                 []core.ListenAddress
	enableUDP              bool
	enableTCP              bool
	initialOutgoingBitrate int
}

func NewTransportPolicy(listenIPs string, enableUDP, enableTCP bool, initialOutgoingBitrate int) (TransportPolicy, error) {
	addrs, err := ParseListenAddresses(listenIPs)
	if err != nil {
		return TransportPolicy{}, err
	}
	if !enableUDP && !enableTCP {
		return TransportPolicy{}, fmt.Errorf("transport policy: both udp and tcp disabled")
	}
	if initialOutgoingBitrate < 0 {
		return TransportPolicy{}, fmt.Errorf("transport policy: negative initial bitrate %d", initialOutgoingBitrate)
	}
	return TransportPolicy{
		listen:                 addrs,
		enableUDP:              enableUDP,
		enableTCP:              enableTCP,
		initialOutgoingBitrate: initialOutgoingBitrate,
	}, nil
}

// Resolve returns the defaults with any non-nil override applied.
func (p TransportPolicy) Resolve(o core.TransportOverrides) core.TransportOptions {
	opts := core.TransportOptions{
		ListenAddresses:        append([]core.ListenAddress(nil), p.listen...),
		EnableUDP:              p.enableUDP,
		EnableTCP:              p.enableTCP,
		InitialOutgoingBitrate: p.initialOutgoingBitrate,
	}
	if len(opts.ListenAddresses) == 0 {
		opts.ListenAddresses = []core.ListenAddress{{IP: defaultListenIP}}
	}
	if len(o.ListenAddresses) > 0 {
		opts.ListenAddresses = append([]core.ListenAddress(nil), o.ListenAddresses...)
	}
	if o.EnableUDP != nil {
		opts.EnableUDP = *o.EnableUDP
	}
	if o.EnableTCP != nil {
		opts.EnableTCP = *o.EnableTCP
	}
	if o.InitialOutgoingBitrate != nil {
		opts.InitialOutgoingBitrate = *o.InitialOutgoingBitrate
	}
	return opts
}

// ParseListenAddresses accepts a single IP ("10.0.0.5"), a local/announced
// pair ("10.0.0.5/203.0.113.7"), or a JSON list of either strings or
// {"ip","announcedIp"} objects. Empty input yields 0.0.0.0.
func ParseListenAddresses(raw string) ([]core.ListenAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []core.ListenAddress{{IP: defaultListenIP}}, nil
	}

	var entries []core.ListenAddress
	if strings.HasPrefix(raw, "[") {
		var err error
		if entries, err = parseListenJSON(raw); err != nil {
			return nil, err
		}
	} else {
		a, err := parseListenPair(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, a)
	}

	for _, a := range entries {
		if net.ParseIP(a.IP) == nil {
			return nil, fmt.Errorf("listen address %q: invalid ip", a.IP)
		}
		if a.AnnouncedIP != "" && net.ParseIP(a.AnnouncedIP) == nil {
			return nil, fmt.Errorf("announced address %q: invalid ip", a.AnnouncedIP)
		}
	}
	if len(entries) == 0 {
		return []core.ListenAddress{{IP: defaultListenIP}}, nil
	}
	return entries, nil
}

func parseListenPair(s string) (core.ListenAddress, error) {
	local, announced, _ := strings.Cut(strings.TrimSpace(s), "/")
	local, announced = strings.TrimSpace(local), strings.TrimSpace(announced)
	if local == "" {
		return core.ListenAddress{}, fmt.Errorf("listen address %q: empty ip", s)
	}
	return core.ListenAddress{IP: local, AnnouncedIP: announced}, nil
}

func parseListenJSON(raw string) ([]core.ListenAddress, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("listen addresses: %w", err)
	}
	out := make([]core.ListenAddress, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			a, err := parseListenPair(s)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
			continue
		}
		var a core.ListenAddress
		if err := json.Unmarshal(item, &a); err != nil {
			return nil, fmt.Errorf("listen addresses: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}
