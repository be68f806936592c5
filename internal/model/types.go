// Package model holds the types shared between the NodePass directory client,
// the command codec, the reconciler, and the local stores.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Server is one configured NodePass master reachable over its REST API.
type Server struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	URL    string `yaml:"url" json:"url"`
	APIKey string `yaml:"api_key" json:"-"`
}

// InstanceType is the role a master reports for an instance. Values other
// than server/client are kept verbatim.
type InstanceType string

const (
	InstanceServer InstanceType = "server"
	InstanceClient InstanceType = "client"
)

func (t InstanceType) Known() bool {
	return t == InstanceServer || t == InstanceClient
}

// InstanceStatus is the run state a master reports for an instance.
type InstanceStatus string

const (
	StatusRunning InstanceStatus = "running"
	StatusStopped InstanceStatus = "stopped"
	StatusError   InstanceStatus = "error"
)

func (s InstanceStatus) Known() bool {
	switch s {
	case StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// Peer is the pairing metadata written onto instances so that services can be
// regrouped across masters.
type Peer struct {
	Alias       string `json:"alias,omitempty"`
	ServiceID   string `json:"sid,omitempty"`
	ServiceType string `json:"type,omitempty"`
}

type Metadata struct {
	Peer Peer              `json:"peer"`
	Tags map[string]string `json:"tags,omitempty"`
}

// RemoteInstance mirrors one instance owned by a NodePass master.
type RemoteInstance struct {
	ID      string         `json:"id"`
	Alias   string         `json:"alias,omitempty"`
	Type    InstanceType   `json:"type"`
	Status  InstanceStatus `json:"status"`
	URL     string         `json:"url"`
	Config  string         `json:"config,omitempty"`
	Restart bool           `json:"restart,omitempty"`
	TCPRx   int64          `json:"tcprx"`
	TCPTx   int64          `json:"tcptx"`
	UDPRx   int64          `json:"udprx"`
	UDPTx   int64          `json:"udptx"`
	Ping    *int64         `json:"ping,omitempty"`
	Pool    *int64         `json:"pool,omitempty"`
	Meta    *Metadata      `json:"meta,omitempty"`
}

// Peer returns the instance's pairing metadata, or the zero Peer.
func (i RemoteInstance) Peer() Peer {
	if i.Meta == nil {
		return Peer{}
	}
	return i.Meta.Peer
}

// FullCommand returns the URL with master-filled defaults when the master
// reported one.
func (i RemoteInstance) FullCommand() string {
	if i.Config != "" {
		return i.Config
	}
	return i.URL
}

// ServiceType is the topology of a local Service.
type ServiceType string

const (
	DirectForward         ServiceType = "directForward"
	NATPassthrough        ServiceType = "natPassthrough"
	TunnelForward         ServiceType = "tunnelForward"
	TunnelForwardExternal ServiceType = "tunnelForwardExternal"
)

// ImplementationCount is the number of instances the topology requires.
func (t ServiceType) ImplementationCount() int {
	if t == DirectForward {
		return 1
	}
	return 2
}

func (t ServiceType) Valid() bool {
	switch t {
	case DirectForward, NATPassthrough, TunnelForward, TunnelForwardExternal:
		return true
	}
	return false
}

// ImplementationType is the per-topology role an instance plays.
type ImplementationType string

const (
	DirectForwardClient      ImplementationType = "directForwardClient"
	NATPassthroughServer     ImplementationType = "natPassthroughServer"
	NATPassthroughClient     ImplementationType = "natPassthroughClient"
	TunnelForwardRelay       ImplementationType = "tunnelForwardRelay"
	TunnelForwardDestination ImplementationType = "tunnelForwardDestination"
)

// Listens reports whether the role runs as a NodePass server (listening,
// relay, NAT server) rather than a client.
func (t ImplementationType) Listens() bool {
	return t == NATPassthroughServer || t == TunnelForwardRelay
}

// DisplayName is the human label used when an instance carries no alias.
func (t ImplementationType) DisplayName() string {
	switch t {
	case DirectForwardClient:
		return "Forwarder"
	case NATPassthroughServer:
		return "Public Server"
	case NATPassthroughClient:
		return "Private Client"
	case TunnelForwardRelay:
		return "Relay"
	case TunnelForwardDestination:
		return "Destination"
	default:
		return string(t)
	}
}

// Implementation is one remote instance participating in a Service.
// Position 0 is upstream/relay/remote, position 1 downstream/destination/local.
type Implementation struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Type        ImplementationType `json:"type"`
	Position    int                `json:"position"`
	ServerID    string             `json:"server_id"`
	InstanceID  string             `json:"instance_id"`
	Command     string             `json:"command"`
	FullCommand string             `json:"full_command"`
	// PeerType is the type code tagged on the instance. Imported pairs may
	// carry different codes per side, so it is kept per instance.
	PeerType string `json:"peer_type,omitempty"`
}

// Service is the local logical grouping of one or two instances.
type Service struct {
	ID              uuid.UUID        `json:"id"`
	PeerID          string           `json:"peer_id"`
	Name            string           `json:"name"`
	Type            ServiceType      `json:"type"`
	Implementations []Implementation `json:"implementations"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Validate checks the implementation count and position layout for the type.
func (s Service) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown service type %q", s.Type)
	}
	want := s.Type.ImplementationCount()
	if len(s.Implementations) != want {
		return fmt.Errorf("%s requires %d implementation(s), got %d", s.Type, want, len(s.Implementations))
	}
	seen := make(map[int]bool, want)
	for _, impl := range s.Implementations {
		if impl.Position < 0 || impl.Position >= want {
			return fmt.Errorf("implementation position %d out of range for %s", impl.Position, s.Type)
		}
		if seen[impl.Position] {
			return fmt.Errorf("duplicate implementation position %d", impl.Position)
		}
		seen[impl.Position] = true
	}
	return nil
}

// Implementation returns the implementation at the given position.
func (s Service) Implementation(position int) (Implementation, bool) {
	for _, impl := range s.Implementations {
		if impl.Position == position {
			return impl, true
		}
	}
	return Implementation{}, false
}
