package tls

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/localup-dev/localup/internal/core"
)

// handshakeTypeClientHello is the TLS handshake message type for ClientHello.
const handshakeTypeClientHello = 0x01

// recordTypeHandshake is the TLS record content type carrying a handshake.
const recordTypeHandshake = 0x16

// extensionServerName is the SNI extension type, RFC 6066 §3.
const extensionServerName = 0x0000

// serverNameTypeHostName is the only currently defined ServerName entry
// type.
const serverNameTypeHostName = 0x00

// ExtractSNI parses record as a single TLS record containing a ClientHello
// and returns the lower-cased host_name value of its server_name extension.
// record must already contain the full record: the 5-byte record header
// followed by exactly the number of bytes its length field announces. Every
// failure mode returns core.ErrSNIExtractionFailed.
func ExtractSNI(record []byte) (string, error) {
	if len(record) < 5 {
		return "", fmt.Errorf("tls: record header truncated: %w", core.ErrSNIExtractionFailed)
	}
	if record[0] != recordTypeHandshake {
		return "", fmt.Errorf("tls: content type %#x is not a handshake record: %w", record[0], core.ErrSNIExtractionFailed)
	}
	recLen := int(binary.BigEndian.Uint16(record[3:5]))
	if len(record) < 5+recLen {
		return "", fmt.Errorf("tls: record body shorter than declared length: %w", core.ErrSNIExtractionFailed)
	}
	hs := record[5 : 5+recLen]

	if len(hs) < 4 {
		return "", fmt.Errorf("tls: handshake header truncated: %w", core.ErrSNIExtractionFailed)
	}
	if hs[0] != handshakeTypeClientHello {
		return "", fmt.Errorf("tls: handshake type %#x is not ClientHello: %w", hs[0], core.ErrSNIExtractionFailed)
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	body := hs[4:]
	if len(body) < hsLen {
		return "", fmt.Errorf("tls: ClientHello body shorter than declared length: %w", core.ErrSNIExtractionFailed)
	}

	pos := 0

	// legacy_version (2 bytes) + random (32 bytes).
	if len(body) < pos+34 {
		return "", fmt.Errorf("tls: ClientHello truncated before random: %w", core.ErrSNIExtractionFailed)
	}
	pos += 34

	// session_id: u8-length-prefixed.
	if len(body) < pos+1 {
		return "", fmt.Errorf("tls: ClientHello truncated before session_id: %w", core.ErrSNIExtractionFailed)
	}
	sessionIDLen := int(body[pos])
	pos++
	if len(body) < pos+sessionIDLen {
		return "", fmt.Errorf("tls: session_id longer than remaining body: %w", core.ErrSNIExtractionFailed)
	}
	pos += sessionIDLen

	// cipher_suites: u16-length-prefixed (byte count, not suite count).
	if len(body) < pos+2 {
		return "", fmt.Errorf("tls: ClientHello truncated before cipher_suites: %w", core.ErrSNIExtractionFailed)
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if len(body) < pos+cipherSuitesLen {
		return "", fmt.Errorf("tls: cipher_suites longer than remaining body: %w", core.ErrSNIExtractionFailed)
	}
	pos += cipherSuitesLen

	// compression_methods: u8-length-prefixed.
	if len(body) < pos+1 {
		return "", fmt.Errorf("tls: ClientHello truncated before compression_methods: %w", core.ErrSNIExtractionFailed)
	}
	compressionLen := int(body[pos])
	pos++
	if len(body) < pos+compressionLen {
		return "", fmt.Errorf("tls: compression_methods longer than remaining body: %w", core.ErrSNIExtractionFailed)
	}
	pos += compressionLen

	// extensions: u16-length-prefixed list. Absence means no SNI was sent.
	if len(body) < pos+2 {
		return "", fmt.Errorf("tls: ClientHello carries no extensions block: %w", core.ErrSNIExtractionFailed)
	}
	extTotalLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if len(body) < pos+extTotalLen {
		return "", fmt.Errorf("tls: extensions block longer than remaining body: %w", core.ErrSNIExtractionFailed)
	}
	extensions := body[pos : pos+extTotalLen]

	epos := 0
	for epos+4 <= len(extensions) {
		extType := binary.BigEndian.Uint16(extensions[epos : epos+2])
		extLen := int(binary.BigEndian.Uint16(extensions[epos+2 : epos+4]))
		epos += 4
		if epos+extLen > len(extensions) {
			return "", fmt.Errorf("tls: extension longer than remaining extensions block: %w", core.ErrSNIExtractionFailed)
		}
		extData := extensions[epos : epos+extLen]
		epos += extLen

		if extType == extensionServerName {
			return parseServerNameExtension(extData)
		}
	}

	return "", fmt.Errorf("tls: no server_name extension present: %w", core.ErrSNIExtractionFailed)
}

// parseServerNameExtension decodes RFC 6066's ServerNameList and returns the
// first host_name entry, lower-cased.
func parseServerNameExtension(data []byte) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("tls: server_name extension truncated: %w", core.ErrSNIExtractionFailed)
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+listLen {
		return "", fmt.Errorf("tls: server_name_list longer than extension data: %w", core.ErrSNIExtractionFailed)
	}

	pos := 2
	end := 2 + listLen
	for pos+3 <= end {
		nameType := data[pos]
		nameLen := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3
		if pos+nameLen > end {
			return "", fmt.Errorf("tls: server name entry longer than remaining list: %w", core.ErrSNIExtractionFailed)
		}
		name := data[pos : pos+nameLen]
		pos += nameLen

		if nameType == serverNameTypeHostName {
			if len(name) == 0 {
				return "", fmt.Errorf("tls: empty host_name entry: %w", core.ErrSNIExtractionFailed)
			}
			return strings.ToLower(string(name)), nil
		}
	}

	return "", fmt.Errorf("tls: server_name_list had no host_name entry: %w", core.ErrSNIExtractionFailed)
}
