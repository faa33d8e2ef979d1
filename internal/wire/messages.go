package wire

// MaxFrameSize is the largest payload a single frame may carry.
const MaxFrameSize = 16 * 1024 * 1024

// LengthPrefixSize is the width of the big-endian frame length prefix.
const LengthPrefixSize = 4

// ControlStreamID is the stream reserved for the Connect/Ping/Disconnect
// handshake and heartbeat exchange.
const ControlStreamID = 0

// MessageType is the closed set of wire message variants. Values match the
// relay's enum discriminant order; reordering breaks wire compatibility.
type MessageType uint32

const (
	MessageTypePing          MessageType = 0
	MessageTypePong          MessageType = 1
	MessageTypeConnect       MessageType = 2
	MessageTypeConnected     MessageType = 3
	MessageTypeDisconnect    MessageType = 4
	MessageTypeDisconnectAck MessageType = 5

	MessageTypeTcpConnect MessageType = 6
	MessageTypeTcpData    MessageType = 7
	MessageTypeTcpClose   MessageType = 8

	MessageTypeTlsConnect MessageType = 9
	MessageTypeTlsData    MessageType = 10
	MessageTypeTlsClose   MessageType = 11

	MessageTypeHttpRequest  MessageType = 12
	MessageTypeHttpResponse MessageType = 13
	MessageTypeHttpChunk    MessageType = 14

	MessageTypeHttpStreamConnect MessageType = 15
	MessageTypeHttpStreamData    MessageType = 16
	MessageTypeHttpStreamClose   MessageType = 17
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePing:
		return "Ping"
	case MessageTypePong:
		return "Pong"
	case MessageTypeConnect:
		return "Connect"
	case MessageTypeConnected:
		return "Connected"
	case MessageTypeDisconnect:
		return "Disconnect"
	case MessageTypeDisconnectAck:
		return "DisconnectAck"
	case MessageTypeTcpConnect:
		return "TcpConnect"
	case MessageTypeTcpData:
		return "TcpData"
	case MessageTypeTcpClose:
		return "TcpClose"
	case MessageTypeTlsConnect:
		return "TlsConnect"
	case MessageTypeTlsData:
		return "TlsData"
	case MessageTypeTlsClose:
		return "TlsClose"
	case MessageTypeHttpRequest:
		return "HttpRequest"
	case MessageTypeHttpResponse:
		return "HttpResponse"
	case MessageTypeHttpChunk:
		return "HttpChunk"
	case MessageTypeHttpStreamConnect:
		return "HttpStreamConnect"
	case MessageTypeHttpStreamData:
		return "HttpStreamData"
	case MessageTypeHttpStreamClose:
		return "HttpStreamClose"
	default:
		return "Unknown"
	}
}

// Message is implemented by every wire message variant.
type Message interface {
	MessageType() MessageType
}

// Connect is sent by the client on stream 0 to register a tunnel.
type Connect struct {
	TunnelID  string
	AuthToken string
	Protocols []ProtocolSpec
	Config    TunnelConfig
}

func (m *Connect) MessageType() MessageType { return MessageTypeConnect }

// ProtocolSpec describes one public-side protocol the client is requesting,
// matching the relay's Protocol enum (Tcp=0, Tls=1, Http=2, Https=3).
type ProtocolSpec struct {
	Type       string // "tcp", "tls", "http", "https"
	Port       uint16
	SNIPattern string
	Subdomain  *string
}

// TunnelConfig is the tunnel-level configuration carried in Connect.
type TunnelConfig struct {
	LocalHost          string
	LocalPort          *uint16
	LocalHTTPS         bool
	ExitNode           ExitNodeConfig
	Failover           bool
	IPAllowlist        []string
	EnableCompression  bool
	EnableMultiplexing bool
}

// ExitNodeConfig selects how the relay assigns an exit node, matching the
// relay's ExitNodeConfig enum (Auto=0, Nearest=1, Specific=2, MultiRegion=3,
// Custom=4).
type ExitNodeConfig struct {
	Type    string // "auto", "nearest", "specific", "multi_region", "custom"
	Region  string
	Regions []string
	Custom  string
}

// Connected is the relay's successful response to Connect.
type Connected struct {
	TunnelID  string
	Endpoints []Endpoint
}

func (m *Connected) MessageType() MessageType { return MessageTypeConnected }

// Endpoint is one public endpoint allocated for a tunnel.
type Endpoint struct {
	Protocol string
	URL      string
	Port     uint16
}

// Ping is a heartbeat probe, sent relay-to-client.
type Ping struct {
	Timestamp uint64
}

func (m *Ping) MessageType() MessageType { return MessageTypePing }

// Pong answers a Ping.
type Pong struct {
	Timestamp uint64
}

func (m *Pong) MessageType() MessageType { return MessageTypePong }

// Disconnect terminates a tunnel, in either direction.
type Disconnect struct {
	Reason string
}

func (m *Disconnect) MessageType() MessageType { return MessageTypeDisconnect }

// DisconnectAck acknowledges a Disconnect.
type DisconnectAck struct {
	TunnelID string
}

func (m *DisconnectAck) MessageType() MessageType { return MessageTypeDisconnectAck }

// TcpConnect announces a new public TCP connection.
type TcpConnect struct {
	StreamID   uint32
	RemoteAddr string
	RemotePort uint16
}

func (m *TcpConnect) MessageType() MessageType { return MessageTypeTcpConnect }

// TcpData carries raw TCP bytes for a stream.
type TcpData struct {
	StreamID uint32
	Data     []byte
}

func (m *TcpData) MessageType() MessageType { return MessageTypeTcpData }

// TcpClose closes a TCP stream.
type TcpClose struct {
	StreamID uint32
}

func (m *TcpClose) MessageType() MessageType { return MessageTypeTcpClose }

// TlsConnect announces a new TLS-passthrough connection, carrying the raw
// ClientHello bytes already read off the wire by the relay's SNI sniffer.
type TlsConnect struct {
	StreamID    uint32
	SNI         string
	ClientHello []byte
}

func (m *TlsConnect) MessageType() MessageType { return MessageTypeTlsConnect }

// TlsData carries raw TLS bytes for a passthrough stream.
type TlsData struct {
	StreamID uint32
	Data     []byte
}

func (m *TlsData) MessageType() MessageType { return MessageTypeTlsData }

// TlsClose closes a TLS-passthrough stream.
type TlsClose struct {
	StreamID uint32
}

func (m *TlsClose) MessageType() MessageType { return MessageTypeTlsClose }

// HttpRequest carries a full buffered HTTP request (request/response mode).
type HttpRequest struct {
	StreamID uint32
	Method   string
	URI      string
	Headers  map[string]string
	Body     []byte
}

func (m *HttpRequest) MessageType() MessageType { return MessageTypeHttpRequest }

// HttpResponse carries a full buffered HTTP response.
type HttpResponse struct {
	StreamID uint32
	Status   uint16
	Headers  map[string]string
	Body     []byte
}

func (m *HttpResponse) MessageType() MessageType { return MessageTypeHttpResponse }

// HttpChunk carries one chunk of a streamed HTTP body.
type HttpChunk struct {
	StreamID uint32
	Chunk    []byte
	IsFinal  bool
}

func (m *HttpChunk) MessageType() MessageType { return MessageTypeHttpChunk }

// HttpStreamConnect starts a tunneled (non request/response) HTTP stream,
// e.g. a WebSocket upgrade.
type HttpStreamConnect struct {
	StreamID    uint32
	Host        string
	InitialData []byte
}

func (m *HttpStreamConnect) MessageType() MessageType { return MessageTypeHttpStreamConnect }

// HttpStreamData carries raw bytes for a tunneled HTTP stream.
type HttpStreamData struct {
	StreamID uint32
	Data     []byte
}

func (m *HttpStreamData) MessageType() MessageType { return MessageTypeHttpStreamData }

// HttpStreamClose closes a tunneled HTTP stream.
type HttpStreamClose struct {
	StreamID uint32
}

func (m *HttpStreamClose) MessageType() MessageType { return MessageTypeHttpStreamClose }
