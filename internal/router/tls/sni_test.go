package tls

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup-dev/localup/internal/core"
)

// buildClientHello assembles a minimal, well-formed TLS record carrying a
// ClientHello whose server_name extension contains host. If omitExtensions
// is true, no extensions block is appended.
func buildClientHello(t *testing.T, host string, omitExtensions bool) []byte {
	t.Helper()

	var body []byte
	body = append(body, 0x03, 0x03)          // legacy_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session_id len 0
	body = append(body, 0x00, 0x02)          // cipher_suites len 2
	body = append(body, 0x00, 0x00)          // one cipher suite
	body = append(body, 0x00)                // compression_methods len 0

	if !omitExtensions {
		serverNameEntry := []byte{serverNameTypeHostName}
		nameLen := make([]byte, 2)
		binary.BigEndian.PutUint16(nameLen, uint16(len(host)))
		serverNameEntry = append(serverNameEntry, nameLen...)
		serverNameEntry = append(serverNameEntry, []byte(host)...)

		serverNameList := make([]byte, 2)
		binary.BigEndian.PutUint16(serverNameList, uint16(len(serverNameEntry)))
		serverNameList = append(serverNameList, serverNameEntry...)

		ext := []byte{0x00, 0x00} // extension type: server_name
		extLen := make([]byte, 2)
		binary.BigEndian.PutUint16(extLen, uint16(len(serverNameList)))
		ext = append(ext, extLen...)
		ext = append(ext, serverNameList...)

		extTotalLen := make([]byte, 2)
		binary.BigEndian.PutUint16(extTotalLen, uint16(len(ext)))
		body = append(body, extTotalLen...)
		body = append(body, ext...)
	}

	hs := []byte{handshakeTypeClientHello, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)

	record := []byte{recordTypeHandshake, 0x03, 0x01}
	recLen := make([]byte, 2)
	binary.BigEndian.PutUint16(recLen, uint16(len(hs)))
	record = append(record, recLen...)
	record = append(record, hs...)

	return record
}

func TestExtractSNIReturnsHostName(t *testing.T) {
	record := buildClientHello(t, "app.example.com", false)

	sni, err := ExtractSNI(record)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", sni)
}

func TestExtractSNILowerCases(t *testing.T) {
	record := buildClientHello(t, "APP.Example.COM", false)

	sni, err := ExtractSNI(record)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", sni)
}

func TestExtractSNIMissingExtensionsFails(t *testing.T) {
	record := buildClientHello(t, "app.example.com", true)

	_, err := ExtractSNI(record)
	assert.ErrorIs(t, err, core.ErrSNIExtractionFailed)
}

func TestExtractSNITruncatedRecordFails(t *testing.T) {
	record := buildClientHello(t, "app.example.com", false)
	truncated := record[:len(record)-5]

	_, err := ExtractSNI(truncated)
	assert.ErrorIs(t, err, core.ErrSNIExtractionFailed)
}

func TestExtractSNIWrongRecordTypeFails(t *testing.T) {
	record := buildClientHello(t, "app.example.com", false)
	record[0] = 0x17 // application_data, not handshake

	_, err := ExtractSNI(record)
	assert.ErrorIs(t, err, core.ErrSNIExtractionFailed)
}

func TestExtractSNIEmptyRecordFails(t *testing.T) {
	_, err := ExtractSNI(nil)
	assert.ErrorIs(t, err, core.ErrSNIExtractionFailed)
}
