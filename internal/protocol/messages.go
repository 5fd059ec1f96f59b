// Package protocol defines the wire messages shared between node agents
// and the C&C core: a discriminated envelope per direction, schema
// validation on decode, and protocol version negotiation.
package protocol

import (
	"encoding/json"
	"fmt"
)

// CurrentVersion is the protocol version this build speaks natively.
const CurrentVersion = "1.2.0"

// SupportedVersions lists every protocolVersion a registering node may
// present. Must be non-empty; CurrentVersion must be a member.
var SupportedVersions = []string{"1.0.0", "1.1.0", "1.2.0"}

// IsSupportedVersion reports whether v is a version this core accepts
// at register time.
func IsSupportedVersion(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Envelope is the wire shape of every frame: a type tag plus its
// payload. Direction-specific decoders turn it into a concrete,
// sealed message type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload and wraps it with its type tag.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Payload: data}, nil
}

// Encode returns the JSON bytes for the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Direction distinguishes the two discriminated unions.
type Direction string

const (
	DirectionFromNode Direction = "from-node"
	DirectionToNode   Direction = "to-node"
)

// InvalidPayloadError is returned when a frame's type is unrecognized
// for its direction, its payload does not unmarshal into the variant,
// or it fails the variant's constraints (non-empty identifiers, and a
// non-empty mac on wake).
type InvalidPayloadError struct {
	Direction Direction
	Type      string
	Reason    string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload for type %q: %s", e.Direction, e.Type, e.Reason)
}

// Outbound-from-node type tags.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeHostDiscovered = "host-discovered"
	TypeHostUpdated    = "host-updated"
	TypeHostRemoved    = "host-removed"
	TypeScanComplete   = "scan-complete"
	TypeCommandResult  = "command-result"
)

// Inbound-to-node type tags.
const (
	TypeRegistered    = "registered"
	TypeWake          = "wake"
	TypeScan          = "scan"
	TypeScanHostPorts = "scan-host-ports"
	TypeUpdateHost    = "update-host"
	TypeDeleteHost    = "delete-host"
	TypePingHost      = "ping-host"
	TypeSleepHost     = "sleep-host"
	TypeShutdownHost  = "shutdown-host"
	TypePing          = "ping"
	TypeError         = "error"
)

// FromNode is the sealed union of messages a node agent may send.
type FromNode interface {
	isFromNode()
}

// ToNode is the sealed union of messages the core may send a node.
type ToNode interface {
	isToNode()
}

func (RegisterMessage) isFromNode()       {}
func (HeartbeatMessage) isFromNode()      {}
func (HostDiscoveredMessage) isFromNode() {}
func (HostUpdatedMessage) isFromNode()    {}
func (HostRemovedMessage) isFromNode()    {}
func (ScanCompleteMessage) isFromNode()   {}
func (CommandResultMessage) isFromNode()  {}

func (RegisteredMessage) isToNode()    {}
func (WakeMessage) isToNode()          {}
func (ScanMessage) isToNode()          {}
func (ScanHostPortsMessage) isToNode() {}
func (UpdateHostMessage) isToNode()    {}
func (DeleteHostMessage) isToNode()    {}
func (PingHostMessage) isToNode()      {}
func (SleepHostMessage) isToNode()     {}
func (ShutdownHostMessage) isToNode()  {}
func (PingMessage) isToNode()          {}
func (ErrorMessage) isToNode()         {}

// RegisterMessage is sent once, before any other frame, to bind the
// session to a node identity.
type RegisterMessage struct {
	NodeID    string       `json:"nodeId"`
	Name      string       `json:"name"`
	Location  string       `json:"location"`
	AuthHint  RegisterAuth `json:"auth"`
	Metadata  RegisterMeta `json:"metadata"`
	PublicURL string       `json:"publicUrl,omitempty"`
}

// RegisterAuth carries the credential the node presents at register.
type RegisterAuth struct {
	Token string `json:"token"`
}

// RegisterMeta carries negotiation and capability metadata.
type RegisterMeta struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// Validate enforces the variant's payload constraints.
func (m *RegisterMessage) Validate() error {
	if m.NodeID == "" {
		return &InvalidPayloadError{DirectionFromNode, TypeRegister, "nodeId must not be empty"}
	}
	if m.Metadata.ProtocolVersion == "" {
		return &InvalidPayloadError{DirectionFromNode, TypeRegister, "metadata.protocolVersion must not be empty"}
	}
	return nil
}

// HeartbeatMessage reports liveness. NodeID is accepted on the wire
// but identity binding overrides it with the session-bound id for
// every frame after register.
type HeartbeatMessage struct {
	NodeID   string `json:"nodeId"`
	Metadata string `json:"metadata,omitempty"`
}

func (m *HeartbeatMessage) Validate() error {
	if m.NodeID == "" {
		return &InvalidPayloadError{DirectionFromNode, TypeHeartbeat, "nodeId must not be empty"}
	}
	return nil
}

// HostDiscoveredMessage announces a newly seen host.
type HostDiscoveredMessage struct {
	NodeID  string   `json:"nodeId"`
	Name    string   `json:"name"`
	MAC     string   `json:"mac"`
	IP      string   `json:"ip"`
	WOLPort int      `json:"wolPort"`
	Tags    []string `json:"tags,omitempty"`
}

func (m *HostDiscoveredMessage) Validate() error {
	if m.Name == "" || m.MAC == "" {
		return &InvalidPayloadError{DirectionFromNode, TypeHostDiscovered, "name and mac must not be empty"}
	}
	return nil
}

// HostUpdatedMessage reports a change to a previously discovered host.
type HostUpdatedMessage struct {
	NodeID         string   `json:"nodeId"`
	Name           string   `json:"name"`
	MAC            string   `json:"mac"`
	IP             string   `json:"ip"`
	WOLPort        int      `json:"wolPort"`
	Status         string   `json:"status"`
	PingResponsive *bool    `json:"pingResponsive,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

func (m *HostUpdatedMessage) Validate() error {
	if m.Name == "" || m.MAC == "" {
		return &InvalidPayloadError{DirectionFromNode, TypeHostUpdated, "name and mac must not be empty"}
	}
	return nil
}

// HostRemovedMessage reports a host no longer seen by the node.
type HostRemovedMessage struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

func (m *HostRemovedMessage) Validate() error {
	if m.Name == "" {
		return &InvalidPayloadError{DirectionFromNode, TypeHostRemoved, "name must not be empty"}
	}
	return nil
}

// ScanCompleteMessage reports the result of a network scan.
type ScanCompleteMessage struct {
	NodeID    string `json:"nodeId"`
	HostsSeen int    `json:"hostsSeen"`
	Duration  int    `json:"durationMs"`
}

func (m *ScanCompleteMessage) Validate() error { return nil }

// CommandResultMessage correlates an executed command back to the
// router's pending entry.
type CommandResultMessage struct {
	CommandID        string          `json:"commandId"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	HostPing         json.RawMessage `json:"hostPing,omitempty"`
	HostPortScan     json.RawMessage `json:"hostPortScan,omitempty"`
	WakeVerification json.RawMessage `json:"wakeVerification,omitempty"`
}

func (m *CommandResultMessage) Validate() error {
	if m.CommandID == "" {
		return &InvalidPayloadError{DirectionFromNode, TypeCommandResult, "commandId must not be empty"}
	}
	return nil
}

// RegisteredMessage acknowledges a successful register.
type RegisteredMessage struct {
	HeartbeatIntervalMs int    `json:"heartbeatInterval"`
	ProtocolVersion     string `json:"protocolVersion"`
}

// WakeMessage instructs the node to emit a Wake-on-LAN packet.
type WakeMessage struct {
	FQN  string `json:"fqn"`
	MAC  string `json:"mac"`
	Port int    `json:"port,omitempty"`
}

// ScanMessage instructs the node to run a network discovery scan.
type ScanMessage struct {
	Immediate bool `json:"immediate"`
}

// ScanHostPortsMessage instructs the node to port-scan one host.
type ScanHostPortsMessage struct {
	FQN   string `json:"fqn"`
	Ports []int  `json:"ports,omitempty"`
}

// UpdateHostMessage passes through an operator edit to the node's
// local host record.
type UpdateHostMessage struct {
	FQN   string          `json:"fqn"`
	Patch json.RawMessage `json:"patch"`
}

// DeleteHostMessage instructs the node to forget a host.
type DeleteHostMessage struct {
	FQN string `json:"fqn"`
}

// PingHostMessage instructs the node to probe a host's liveness.
type PingHostMessage struct {
	FQN string `json:"fqn"`
}

// SleepHostMessage instructs the node to request a host suspend.
type SleepHostMessage struct {
	FQN string `json:"fqn"`
}

// ShutdownHostMessage instructs the node to request a host shutdown.
type ShutdownHostMessage struct {
	FQN string `json:"fqn"`
}

// PingMessage is an application-level keepalive, independent of the
// transport's own ping/pong control frames.
type PingMessage struct {
	SentAt string `json:"sentAt"`
}

// ErrorMessage reports a protocol-level problem to the node without
// closing the session.
type ErrorMessage struct {
	Message string `json:"message"`
}

func commandEnvelope(msgType string, payload any) (*Envelope, error) {
	return NewEnvelope(msgType, payload)
}

// EncodeToNode serializes any ToNode variant into its wire envelope.
func EncodeToNode(msg ToNode) (*Envelope, error) {
	switch m := msg.(type) {
	case RegisteredMessage:
		return commandEnvelope(TypeRegistered, m)
	case WakeMessage:
		return commandEnvelope(TypeWake, m)
	case ScanMessage:
		return commandEnvelope(TypeScan, m)
	case ScanHostPortsMessage:
		return commandEnvelope(TypeScanHostPorts, m)
	case UpdateHostMessage:
		return commandEnvelope(TypeUpdateHost, m)
	case DeleteHostMessage:
		return commandEnvelope(TypeDeleteHost, m)
	case PingHostMessage:
		return commandEnvelope(TypePingHost, m)
	case SleepHostMessage:
		return commandEnvelope(TypeSleepHost, m)
	case ShutdownHostMessage:
		return commandEnvelope(TypeShutdownHost, m)
	case PingMessage:
		return commandEnvelope(TypePing, m)
	case ErrorMessage:
		return commandEnvelope(TypeError, m)
	default:
		return nil, fmt.Errorf("encode to-node: unknown variant %T", msg)
	}
}

// DecodeFromNode parses an envelope raised by a node agent into its
// sealed variant, validating the payload against the variant's
// constraints. Returns *InvalidPayloadError on an unrecognized type or
// a payload that fails validation.
func DecodeFromNode(e *Envelope) (FromNode, error) {
	switch e.Type {
	case TypeRegister:
		var m RegisterMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionFromNode, e.Type, err.Error()}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHeartbeat:
		var m HeartbeatMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionFromNode, e.Type, err.Error()}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHostDiscovered:
		var m HostDiscoveredMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionFromNode, e.Type, err.Error()}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHostUpdated:
		var m HostUpdatedMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionFromNode, e.Type, err.Error()}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeHostRemoved:
		var m HostRemovedMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionFromNode, e.Type, err.Error()}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	case TypeScanComplete:
		var m ScanCompleteMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionFromNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeCommandResult:
		var m CommandResultMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionFromNode, e.Type, err.Error()}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, &InvalidPayloadError{DirectionFromNode, e.Type, "unrecognized type"}
	}
}

// DecodeToNode parses an envelope the core would send. Used by tests
// and by the router's queued-backlog flush to rehydrate stored command
// payloads, validating them the same way inbound frames are validated.
func DecodeToNode(e *Envelope) (ToNode, error) {
	switch e.Type {
	case TypeRegistered:
		var m RegisteredMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeWake:
		var m WakeMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		if m.MAC == "" {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, "mac must not be empty"}
		}
		return m, nil
	case TypeScan:
		var m ScanMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeScanHostPorts:
		var m ScanHostPortsMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeUpdateHost:
		var m UpdateHostMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeDeleteHost:
		var m DeleteHostMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypePingHost:
		var m PingHostMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeSleepHost:
		var m SleepHostMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeShutdownHost:
		var m ShutdownHostMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypePing:
		var m PingMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, &InvalidPayloadError{DirectionToNode, e.Type, err.Error()}
		}
		return m, nil
	default:
		return nil, &InvalidPayloadError{DirectionToNode, e.Type, "unrecognized type"}
	}
}
