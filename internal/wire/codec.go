package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrConnectionClosed is returned by readers/writers once a stream or
// transport has been torn down.
var ErrConnectionClosed = errors.New("wire: connection closed")

// Codec encodes and decodes Messages to/from the relay's frame format:
// a 4-byte big-endian length prefix followed by a bincode payload.
type Codec struct{}

// NewCodec creates a new message codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode serializes msg to a length-prefixed frame.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	enc := NewEncoder()
	enc.WriteU32(uint32(msg.MessageType()))

	switch m := msg.(type) {
	case *Connect:
		c.encodeConnect(enc, m)
	case *Connected:
		c.encodeConnected(enc, m)
	case *Ping:
		enc.WriteU64(m.Timestamp)
	case *Pong:
		enc.WriteU64(m.Timestamp)
	case *Disconnect:
		enc.WriteString(m.Reason)
	case *DisconnectAck:
		enc.WriteString(m.TunnelID)
	case *TcpConnect:
		enc.WriteU32(m.StreamID)
		enc.WriteString(m.RemoteAddr)
		enc.WriteU16(m.RemotePort)
	case *TcpData:
		enc.WriteU32(m.StreamID)
		enc.WriteBytes(m.Data)
	case *TcpClose:
		enc.WriteU32(m.StreamID)
	case *TlsConnect:
		enc.WriteU32(m.StreamID)
		enc.WriteString(m.SNI)
		enc.WriteBytes(m.ClientHello)
	case *TlsData:
		enc.WriteU32(m.StreamID)
		enc.WriteBytes(m.Data)
	case *TlsClose:
		enc.WriteU32(m.StreamID)
	case *HttpRequest:
		c.encodeHttpRequest(enc, m)
	case *HttpResponse:
		c.encodeHttpResponse(enc, m)
	case *HttpChunk:
		enc.WriteU32(m.StreamID)
		enc.WriteBytes(m.Chunk)
		enc.WriteBool(m.IsFinal)
	case *HttpStreamConnect:
		enc.WriteU32(m.StreamID)
		enc.WriteString(m.Host)
		enc.WriteBytes(m.InitialData)
	case *HttpStreamData:
		enc.WriteU32(m.StreamID)
		enc.WriteBytes(m.Data)
	case *HttpStreamClose:
		enc.WriteU32(m.StreamID)
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}

	payload := enc.Bytes()
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("wire: encoded frame too large: %d bytes", len(payload))
	}

	out := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out[:LengthPrefixSize], uint32(len(payload)))
	copy(out[LengthPrefixSize:], payload)
	return out, nil
}

// Decode reads one length-prefixed frame from r and decodes it.
func (c *Codec) Decode(r io.Reader) (Message, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: short frame read: %w", err)
	}

	return c.DecodeBytes(payload)
}

// DecodeBytes decodes a Message from a payload that has already had its
// length prefix stripped.
func (c *Codec) DecodeBytes(data []byte) (Message, error) {
	dec := NewDecoderBytes(data)

	variant, err := dec.ReadU32()
	if err != nil {
		return nil, fmt.Errorf("wire: reading message type: %w", err)
	}

	switch MessageType(variant) {
	case MessageTypeConnect:
		return c.decodeConnect(dec)
	case MessageTypeConnected:
		return c.decodeConnected(dec)
	case MessageTypePing:
		ts, err := dec.ReadU64()
		if err != nil {
			return nil, err
		}
		return &Ping{Timestamp: ts}, nil
	case MessageTypePong:
		ts, err := dec.ReadU64()
		if err != nil {
			return nil, err
		}
		return &Pong{Timestamp: ts}, nil
	case MessageTypeDisconnect:
		reason, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		return &Disconnect{Reason: reason}, nil
	case MessageTypeDisconnectAck:
		id, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		return &DisconnectAck{TunnelID: id}, nil
	case MessageTypeTcpConnect:
		return c.decodeTcpConnect(dec)
	case MessageTypeTcpData:
		return c.decodeTcpData(dec)
	case MessageTypeTcpClose:
		id, err := dec.ReadU32()
		if err != nil {
			return nil, err
		}
		return &TcpClose{StreamID: id}, nil
	case MessageTypeTlsConnect:
		return c.decodeTlsConnect(dec)
	case MessageTypeTlsData:
		return c.decodeTlsData(dec)
	case MessageTypeTlsClose:
		id, err := dec.ReadU32()
		if err != nil {
			return nil, err
		}
		return &TlsClose{StreamID: id}, nil
	case MessageTypeHttpRequest:
		return c.decodeHttpRequest(dec)
	case MessageTypeHttpResponse:
		return c.decodeHttpResponse(dec)
	case MessageTypeHttpChunk:
		return c.decodeHttpChunk(dec)
	case MessageTypeHttpStreamConnect:
		return c.decodeHttpStreamConnect(dec)
	case MessageTypeHttpStreamData:
		return c.decodeHttpStreamData(dec)
	case MessageTypeHttpStreamClose:
		id, err := dec.ReadU32()
		if err != nil {
			return nil, err
		}
		return &HttpStreamClose{StreamID: id}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message variant: %d", variant)
	}
}

func (c *Codec) encodeConnect(enc *Encoder, m *Connect) {
	enc.WriteString(m.TunnelID)
	enc.WriteString(m.AuthToken)

	enc.WriteVecLen(len(m.Protocols))
	for i := range m.Protocols {
		c.encodeProtocolSpec(enc, &m.Protocols[i])
	}

	c.encodeTunnelConfig(enc, &m.Config)
}

func (c *Codec) encodeProtocolSpec(enc *Encoder, p *ProtocolSpec) {
	switch p.Type {
	case "tcp":
		enc.WriteU32(0)
		enc.WriteU16(p.Port)
	case "tls":
		enc.WriteU32(1)
		enc.WriteU16(p.Port)
		enc.WriteString(p.SNIPattern)
	case "http":
		enc.WriteU32(2)
		enc.WriteOptionString(p.Subdomain)
	case "https":
		enc.WriteU32(3)
		enc.WriteOptionString(p.Subdomain)
	}
}

func (c *Codec) encodeTunnelConfig(enc *Encoder, cfg *TunnelConfig) {
	enc.WriteString(cfg.LocalHost)
	enc.WriteOptionU16(cfg.LocalPort)
	enc.WriteBool(cfg.LocalHTTPS)

	c.encodeExitNodeConfig(enc, &cfg.ExitNode)

	enc.WriteBool(cfg.Failover)

	enc.WriteVecLen(len(cfg.IPAllowlist))
	for _, ip := range cfg.IPAllowlist {
		enc.WriteString(ip)
	}

	enc.WriteBool(cfg.EnableCompression)
	enc.WriteBool(cfg.EnableMultiplexing)
}

func (c *Codec) encodeExitNodeConfig(enc *Encoder, cfg *ExitNodeConfig) {
	switch cfg.Type {
	case "auto", "":
		enc.WriteU32(0)
	case "nearest":
		enc.WriteU32(1)
	case "specific":
		enc.WriteU32(2)
		enc.WriteString(cfg.Region)
	case "multi_region":
		enc.WriteU32(3)
		enc.WriteVecLen(len(cfg.Regions))
		for _, r := range cfg.Regions {
			enc.WriteString(r)
		}
	case "custom":
		enc.WriteU32(4)
		enc.WriteString(cfg.Custom)
	default:
		enc.WriteU32(0)
	}
}

func (c *Codec) encodeConnected(enc *Encoder, m *Connected) {
	enc.WriteString(m.TunnelID)
	enc.WriteVecLen(len(m.Endpoints))
	for i := range m.Endpoints {
		ep := &m.Endpoints[i]
		// The endpoint's protocol rides as a Protocol enum value, mirroring
		// decodeConnected.
		c.encodeProtocolSpec(enc, &ProtocolSpec{Type: ep.Protocol, Port: ep.Port})
		enc.WriteString(ep.URL)
		if ep.Port != 0 {
			port := ep.Port
			enc.WriteOptionU16(&port)
		} else {
			enc.WriteOptionU16(nil)
		}
	}
}

func (c *Codec) encodeHttpRequest(enc *Encoder, m *HttpRequest) {
	enc.WriteU32(m.StreamID)
	enc.WriteString(m.Method)
	enc.WriteString(m.URI)

	enc.WriteVecLen(len(m.Headers))
	for k, v := range m.Headers {
		enc.WriteString(k)
		enc.WriteString(v)
	}

	enc.WriteOptionBytes(m.Body)
}

func (c *Codec) encodeHttpResponse(enc *Encoder, m *HttpResponse) {
	enc.WriteU32(m.StreamID)
	enc.WriteU16(m.Status)

	enc.WriteVecLen(len(m.Headers))
	for k, v := range m.Headers {
		enc.WriteString(k)
		enc.WriteString(v)
	}

	enc.WriteOptionBytes(m.Body)
}

func (c *Codec) decodeConnect(dec *Decoder) (*Connect, error) {
	tunnelID, err := dec.ReadString()
	if err != nil {
		return nil, err
	}
	authToken, err := dec.ReadString()
	if err != nil {
		return nil, err
	}

	protocolCount, err := dec.ReadVecLen()
	if err != nil {
		return nil, err
	}
	protocols := make([]ProtocolSpec, protocolCount)
	for i := range protocols {
		p, err := c.decodeProtocolSpec(dec)
		if err != nil {
			return nil, err
		}
		protocols[i] = *p
	}

	config, err := c.decodeTunnelConfig(dec)
	if err != nil {
		return nil, err
	}

	return &Connect{
		TunnelID:  tunnelID,
		AuthToken: authToken,
		Protocols: protocols,
		Config:    *config,
	}, nil
}

func (c *Codec) decodeProtocolSpec(dec *Decoder) (*ProtocolSpec, error) {
	variant, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}

	spec := &ProtocolSpec{}
	switch variant {
	case 0:
		spec.Type = "tcp"
		spec.Port, err = dec.ReadU16()
	case 1:
		spec.Type = "tls"
		spec.Port, err = dec.ReadU16()
		if err != nil {
			return nil, err
		}
		spec.SNIPattern, err = dec.ReadString()
	case 2:
		spec.Type = "http"
		spec.Subdomain, err = dec.ReadOptionString()
	case 3:
		spec.Type = "https"
		spec.Subdomain, err = dec.ReadOptionString()
	default:
		return nil, fmt.Errorf("wire: unknown protocol variant: %d", variant)
	}

	if err != nil {
		return nil, err
	}
	return spec, nil
}

func (c *Codec) decodeTunnelConfig(dec *Decoder) (*TunnelConfig, error) {
	localHost, err := dec.ReadString()
	if err != nil {
		return nil, err
	}
	localPort, err := dec.ReadOptionU16()
	if err != nil {
		return nil, err
	}
	localHTTPS, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}

	exitNode, err := c.decodeExitNodeConfig(dec)
	if err != nil {
		return nil, err
	}

	failover, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}

	ipCount, err := dec.ReadVecLen()
	if err != nil {
		return nil, err
	}
	// An empty list decodes as nil, the same value an unset allowlist
	// encodes from.
	var ipAllowlist []string
	if ipCount > 0 {
		ipAllowlist = make([]string, ipCount)
	}
	for i := range ipAllowlist {
		ipAllowlist[i], err = dec.ReadString()
		if err != nil {
			return nil, err
		}
	}

	enableCompression, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}
	enableMultiplexing, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}

	return &TunnelConfig{
		LocalHost:          localHost,
		LocalPort:          localPort,
		LocalHTTPS:         localHTTPS,
		ExitNode:           *exitNode,
		Failover:           failover,
		IPAllowlist:        ipAllowlist,
		EnableCompression:  enableCompression,
		EnableMultiplexing: enableMultiplexing,
	}, nil
}

func (c *Codec) decodeExitNodeConfig(dec *Decoder) (*ExitNodeConfig, error) {
	variant, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}

	cfg := &ExitNodeConfig{}
	switch variant {
	case 0:
		cfg.Type = "auto"
	case 1:
		cfg.Type = "nearest"
	case 2:
		cfg.Type = "specific"
		cfg.Region, err = dec.ReadString()
	case 3:
		cfg.Type = "multi_region"
		count, cerr := dec.ReadVecLen()
		if cerr != nil {
			return nil, cerr
		}
		cfg.Regions = make([]string, count)
		for i := range cfg.Regions {
			cfg.Regions[i], err = dec.ReadString()
			if err != nil {
				return nil, err
			}
		}
	case 4:
		cfg.Type = "custom"
		cfg.Custom, err = dec.ReadString()
	default:
		return nil, fmt.Errorf("wire: unknown exit node variant: %d", variant)
	}

	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Codec) decodeConnected(dec *Decoder) (*Connected, error) {
	tunnelID, err := dec.ReadString()
	if err != nil {
		return nil, err
	}

	count, err := dec.ReadVecLen()
	if err != nil {
		return nil, err
	}
	endpoints := make([]Endpoint, count)
	for i := range endpoints {
		protocolSpec, err := c.decodeProtocolSpec(dec)
		if err != nil {
			return nil, err
		}

		protocol := protocolSpec.Type
		var port uint16
		if protocolSpec.Type == "tcp" || protocolSpec.Type == "tls" {
			port = protocolSpec.Port
		}

		url, err := dec.ReadString()
		if err != nil {
			return nil, err
		}

		optPort, err := dec.ReadOptionU16()
		if err != nil {
			return nil, err
		}
		if optPort != nil {
			port = *optPort
		}

		endpoints[i] = Endpoint{Protocol: protocol, URL: url, Port: port}
	}

	return &Connected{TunnelID: tunnelID, Endpoints: endpoints}, nil
}

func (c *Codec) decodeTcpConnect(dec *Decoder) (*TcpConnect, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	remoteAddr, err := dec.ReadString()
	if err != nil {
		return nil, err
	}
	remotePort, err := dec.ReadU16()
	if err != nil {
		return nil, err
	}
	return &TcpConnect{StreamID: streamID, RemoteAddr: remoteAddr, RemotePort: remotePort}, nil
}

func (c *Codec) decodeTcpData(dec *Decoder) (*TcpData, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	data, err := dec.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &TcpData{StreamID: streamID, Data: data}, nil
}

func (c *Codec) decodeTlsConnect(dec *Decoder) (*TlsConnect, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	sni, err := dec.ReadString()
	if err != nil {
		return nil, err
	}
	clientHello, err := dec.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &TlsConnect{StreamID: streamID, SNI: sni, ClientHello: clientHello}, nil
}

func (c *Codec) decodeTlsData(dec *Decoder) (*TlsData, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	data, err := dec.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &TlsData{StreamID: streamID, Data: data}, nil
}

func (c *Codec) decodeHttpRequest(dec *Decoder) (*HttpRequest, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	method, err := dec.ReadString()
	if err != nil {
		return nil, err
	}
	uri, err := dec.ReadString()
	if err != nil {
		return nil, err
	}

	headerCount, err := dec.ReadVecLen()
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, headerCount)
	for i := uint64(0); i < headerCount; i++ {
		key, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		value, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		headers[key] = value
	}

	body, err := dec.ReadOptionBytes()
	if err != nil {
		return nil, err
	}

	return &HttpRequest{StreamID: streamID, Method: method, URI: uri, Headers: headers, Body: body}, nil
}

func (c *Codec) decodeHttpResponse(dec *Decoder) (*HttpResponse, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	status, err := dec.ReadU16()
	if err != nil {
		return nil, err
	}

	headerCount, err := dec.ReadVecLen()
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, headerCount)
	for i := uint64(0); i < headerCount; i++ {
		key, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		value, err := dec.ReadString()
		if err != nil {
			return nil, err
		}
		headers[key] = value
	}

	body, err := dec.ReadOptionBytes()
	if err != nil {
		return nil, err
	}

	return &HttpResponse{StreamID: streamID, Status: status, Headers: headers, Body: body}, nil
}

func (c *Codec) decodeHttpChunk(dec *Decoder) (*HttpChunk, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	chunk, err := dec.ReadBytes()
	if err != nil {
		return nil, err
	}
	isFinal, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}
	return &HttpChunk{StreamID: streamID, Chunk: chunk, IsFinal: isFinal}, nil
}

func (c *Codec) decodeHttpStreamConnect(dec *Decoder) (*HttpStreamConnect, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	host, err := dec.ReadString()
	if err != nil {
		return nil, err
	}
	initialData, err := dec.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &HttpStreamConnect{StreamID: streamID, Host: host, InitialData: initialData}, nil
}

func (c *Codec) decodeHttpStreamData(dec *Decoder) (*HttpStreamData, error) {
	streamID, err := dec.ReadU32()
	if err != nil {
		return nil, err
	}
	data, err := dec.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &HttpStreamData{StreamID: streamID, Data: data}, nil
}
