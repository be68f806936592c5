// Package command encodes and decodes NodePass instance URLs:
//
//	<server|client>://<tunnelHost>:<tunnelPort>/<targetHost>:<targetPort>[,...]?<key>=<value>&...
//
// Encoding is deterministic so that a re-encoded command can be compared
// against the stored one when editing a service.
package command

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/nodepassproject/npctl/internal/model"
)

var (
	ErrInvalidURL  = errors.New("invalid instance url")
	ErrInvalidPort = errors.New("invalid port")
)

// Scheme selects the NodePass role family. Unrecognised schemes decode
// verbatim instead of failing.
type Scheme string

const (
	SchemeServer Scheme = "server"
	SchemeClient Scheme = "client"
)

func (s Scheme) Known() bool { return s == SchemeServer || s == SchemeClient }

// SchemeFor maps a service role onto the scheme its instance runs with.
func SchemeFor(role model.ImplementationType) Scheme {
	if role.Listens() {
		return SchemeServer
	}
	return SchemeClient
}

type LogLevel string

const (
	LogNone  LogLevel = "none"
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogEvent LogLevel = "event"
	LogDebug LogLevel = "debug"
)

func (l LogLevel) Known() bool {
	switch l {
	case LogNone, LogError, LogWarn, LogInfo, LogEvent, LogDebug:
		return true
	}
	return false
}

// ParseLogLevel returns the level for s and whether it is recognised.
func ParseLogLevel(s string) (LogLevel, bool) {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	return l, l.Known()
}

// Mode is the NodePass run mode: 0 auto, 1 single-end/listen, 2 dual-end/connect.
type Mode string

const (
	ModeAuto    Mode = "0"
	ModeListen  Mode = "1"
	ModeConnect Mode = "2"
)

func (m Mode) Known() bool { return m == ModeAuto || m == ModeListen || m == ModeConnect }

// TLSMode is the tunnel TLS setting: 0 off, 1 self-signed, 2 custom certificate.
type TLSMode string

const (
	TLSOff    TLSMode = "0"
	TLSSelf   TLSMode = "1"
	TLSCustom TLSMode = "2"
)

func (t TLSMode) Known() bool { return t == TLSOff || t == TLSSelf || t == TLSCustom }

// Address is a host/port pair; Port is kept as its decimal text.
type Address struct {
	Host string `json:"host"`
	Port string `json:"port"`
}

func (a Address) String() string { return a.Host + ":" + a.Port }

// Param is one user supplied query parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Instance is the structured form of an instance URL. Empty Log, Mode, TLS,
// Min and Max mean "not requested" and are left out of the encoded URL.
type Instance struct {
	Scheme     Scheme    `json:"scheme"`
	TunnelHost string    `json:"tunnel_host"`
	TunnelPort string    `json:"tunnel_port"`
	Targets    []Address `json:"targets,omitempty"`
	Log        LogLevel  `json:"log,omitempty"`
	Mode       Mode      `json:"mode,omitempty"`
	TLS        TLSMode   `json:"tls,omitempty"`
	Min        string    `json:"min,omitempty"`
	Max        string    `json:"max,omitempty"`
	Params     []Param   `json:"params,omitempty"`
}

// Target returns the single target, or the zero Address when the URL carries
// none or a load-balanced list.
func (i Instance) Target() Address {
	if len(i.Targets) != 1 {
		return Address{}
	}
	return i.Targets[0]
}

// Param returns the value of a user parameter.
func (i Instance) Param(key string) (string, bool) {
	for _, p := range i.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

var reservedKeys = map[string]bool{"log": true, "mode": true, "tls": true, "min": true, "max": true}

// ParsePort validates a decimal port in 0-65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	return uint16(n), nil
}

// Encode renders inst as an instance URL. The tunnel port is required; every
// target must carry a port.
func Encode(inst Instance) (string, error) {
	if inst.Scheme == "" {
		return "", fmt.Errorf("%w: missing scheme", ErrInvalidURL)
	}
	if _, err := ParsePort(inst.TunnelPort); err != nil {
		return "", fmt.Errorf("tunnel: %w", err)
	}
	if err := checkHost(inst.TunnelHost); err != nil {
		return "", fmt.Errorf("tunnel: %w", err)
	}

	targets := make([]string, 0, len(inst.Targets))
	for _, t := range inst.Targets {
		if _, err := ParsePort(t.Port); err != nil {
			return "", fmt.Errorf("target %s: %w", t.Host, err)
		}
		if err := checkHost(t.Host); err != nil {
			return "", fmt.Errorf("target: %w", err)
		}
		targets = append(targets, t.String())
	}

	var b strings.Builder
	b.WriteString(string(inst.Scheme))
	b.WriteString("://")
	b.WriteString(net.JoinHostPort(inst.TunnelHost, inst.TunnelPort))
	if len(targets) > 0 {
		b.WriteByte('/')
		b.WriteString(strings.Join(targets, ","))
	}

	query := make([]string, 0, 5+len(inst.Params))
	add := func(k, v string) {
		query = append(query, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	if inst.Log != "" {
		add("log", string(inst.Log))
	}
	if inst.Mode != "" {
		add("mode", string(inst.Mode))
	}
	if inst.TLS != "" {
		add("tls", string(inst.TLS))
	}
	if inst.Min != "" {
		add("min", inst.Min)
	}
	if inst.Max != "" {
		add("max", inst.Max)
	}
	for _, p := range dedupeParams(inst.Params) {
		add(p.Key, p.Value)
	}
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(strings.Join(query, "&"))
	}
	return b.String(), nil
}

// hostReserved are characters that would change how the path or query of an
// instance URL is read back.
const hostReserved = "%,/?#@& "

func checkHost(host string) error {
	if i := strings.IndexAny(host, hostReserved); i >= 0 {
		return fmt.Errorf("%w: host %q contains %q", ErrInvalidURL, host, host[i])
	}
	return nil
}

// dedupeParams drops empty and reserved keys. A repeated key keeps its first
// position and takes the last value, the same way Decode reads it.
func dedupeParams(params []Param) []Param {
	var out []Param
	index := map[string]int{}
	for _, p := range params {
		k := strings.TrimSpace(p.Key)
		if k == "" || reservedKeys[k] {
			continue
		}
		if i, ok := index[k]; ok {
			out[i].Value = p.Value
			continue
		}
		index[k] = len(out)
		out = append(out, Param{Key: k, Value: p.Value})
	}
	return out
}

// Decode parses an instance URL. Targets are split on the last colon of each
// comma separated entry; bracketed IPv6 hosts keep their brackets.
func Decode(raw string) (Instance, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Instance{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Opaque != "" {
		return Instance{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	inst := Instance{
		Scheme:     Scheme(u.Scheme),
		TunnelHost: u.Hostname(),
		TunnelPort: u.Port(),
	}

	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		for _, entry := range strings.Split(path, ",") {
			inst.Targets = append(inst.Targets, splitTarget(entry))
		}
	}

	params, err := parseQuery(u.RawQuery)
	if err != nil {
		return Instance{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for _, p := range params {
		switch p.Key {
		case "log":
			inst.Log = LogLevel(p.Value)
		case "mode":
			inst.Mode = Mode(p.Value)
		case "tls":
			inst.TLS = TLSMode(p.Value)
		case "min":
			inst.Min = p.Value
		case "max":
			inst.Max = p.Value
		default:
			inst.Params = append(inst.Params, p)
		}
	}
	return inst, nil
}

func splitTarget(entry string) Address {
	idx := strings.LastIndex(entry, ":")
	if idx < 0 {
		return Address{}
	}
	return Address{Host: entry[:idx], Port: entry[idx+1:]}
}

// parseQuery keeps first-seen key order; a repeated key takes the last value.
func parseQuery(rawQuery string) ([]Param, error) {
	var out []Param
	index := map[string]int{}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, err
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			out[i].Value = val
			continue
		}
		index[key] = len(out)
		out = append(out, Param{Key: key, Value: val})
	}
	return out, nil
}
