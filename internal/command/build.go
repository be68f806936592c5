package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nodepassproject/npctl/internal/model"
)

// Options are the query parameters and port defaults applied by Build.
type Options struct {
	Log    LogLevel
	Mode   Mode
	TLS    TLSMode
	Min    string
	Max    string
	Params []Param

	// TargetPortFallback replaces empty target ports.
	TargetPortFallback string
}

// Build encodes the command for an instance playing role. The tunnel address
// is the listen address for server roles and the dial address for clients; an
// empty tunnel host binds all interfaces.
func Build(role model.ImplementationType, tunnel Address, targets []Address, opts Options) (string, error) {
	inst := Instance{
		Scheme:     SchemeFor(role),
		TunnelHost: strings.TrimSpace(tunnel.Host),
		TunnelPort: strings.TrimSpace(tunnel.Port),
		Log:        opts.Log,
		Mode:       opts.Mode,
		TLS:        opts.TLS,
		Params:     opts.Params,
	}
	if opts.Log != "" && !opts.Log.Known() {
		return "", fmt.Errorf("unknown log level %q", opts.Log)
	}
	if opts.Mode != "" && !opts.Mode.Known() {
		return "", fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if opts.TLS != "" && !opts.TLS.Known() {
		return "", fmt.Errorf("unknown tls mode %q", opts.TLS)
	}
	for name, v := range map[string]string{"min": opts.Min, "max": opts.Max} {
		if v == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err != nil || n < 0 {
			return "", fmt.Errorf("invalid %s pool size %q", name, v)
		}
	}
	inst.Min, inst.Max = opts.Min, opts.Max

	for _, t := range targets {
		t.Host = strings.TrimSpace(t.Host)
		t.Port = strings.TrimSpace(t.Port)
		if t.Port == "" {
			t.Port = opts.TargetPortFallback
		}
		inst.Targets = append(inst.Targets, t)
	}
	return Encode(inst)
}

// ParseAddress splits "host:port" on the last colon and validates the port.
// A bare port ("8080" or ":8080") yields an empty host.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		if _, err := ParsePort(s); err != nil {
			return Address{}, err
		}
		return Address{Port: s}, nil
	}
	a := Address{Host: s[:idx], Port: s[idx+1:]}
	if _, err := ParsePort(a.Port); err != nil {
		return Address{}, err
	}
	return a, nil
}

// ParseParam parses "key=value"; a missing "=" yields an empty value.
func ParseParam(s string) (Param, error) {
	k, v, _ := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if k == "" {
		return Param{}, fmt.Errorf("parameter %q has no key", s)
	}
	return Param{Key: k, Value: v}, nil
}

// RoleOf reads scheme and mode out of a command for role resolution.
func RoleOf(raw string) (Scheme, Mode, error) {
	inst, err := Decode(raw)
	if err != nil {
		return "", "", err
	}
	return inst.Scheme, inst.Mode, nil
}
