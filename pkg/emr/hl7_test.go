package emr

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardsync/wardsync/pkg/types"
)

const adrResponse = "MSH|^~\\&|EMR|HOSP|WARDSYNC|WARD|20260301120000||ADR^A19|77120|P|2.3\r" +
	"MSA|AA|77120\r" +
	"PID|1||8f2a-112^^^HOSP^MR||Okafor^Ada||19840302|F"

// hl7Fixture wires the client's dialer to an in-memory pipe served by
// the given handler.
func hl7Fixture(t testing.TB, serve func(conn net.Conn)) *HL7Client {
	t.Helper()
	c := NewHL7Client(types.EMRSystemEpic, "emr.example.org:2575", nil,
		NewBreakers(5, 30*time.Second, nil), 5*time.Second)
	c.dial = func(ctx context.Context, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go serve(server)
		return client, nil
	}
	return c
}

func echoADR(conn net.Conn) {
	defer conn.Close()
	_, _ = readMLLP(bufio.NewReader(conn))
	_, _ = conn.Write(frameMLLP([]byte(adrResponse)))
}

func TestQueryPatient(t *testing.T) {
	c := hl7Fixture(t, echoADR)

	p, err := c.QueryPatient(context.Background(), "8f2a-112")
	require.NoError(t, err)
	assert.Equal(t, "8f2a-112", p.ID)
	assert.Equal(t, "Okafor", p.FamilyName)
	assert.Equal(t, "Ada", p.GivenName)
}

func TestQueryPatientSendsQRYA19(t *testing.T) {
	var sent []byte
	c := hl7Fixture(t, func(conn net.Conn) {
		defer conn.Close()
		msg, err := readMLLP(bufio.NewReader(conn))
		if err == nil {
			sent = msg
		}
		_, _ = conn.Write(frameMLLP([]byte(adrResponse)))
	})

	_, err := c.QueryPatient(context.Background(), "8f2a-112")
	require.NoError(t, err)

	text := string(sent)
	assert.True(t, strings.HasPrefix(text, "MSH|^~\\&|WARDSYNC"), "MSH segment missing: %q", text)
	assert.Contains(t, text, "QRY^A19")
	assert.Contains(t, text, "|8f2a-112|DEM")
}

func TestQueryPatientNoPID(t *testing.T) {
	c := hl7Fixture(t, func(conn net.Conn) {
		defer conn.Close()
		_, _ = readMLLP(bufio.NewReader(conn))
		_, _ = conn.Write(frameMLLP([]byte("MSH|^~\\&|EMR|HOSP|WARDSYNC|WARD|20260301120000||ADR^A19|1|P|2.3\rMSA|AE|1")))
	})

	_, err := c.QueryPatient(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidResponse, types.KindOf(err))
}

func TestMLLPFraming(t *testing.T) {
	framed := frameMLLP([]byte("MSH|test"))
	assert.Equal(t, byte(0x0B), framed[0])
	assert.Equal(t, byte(0x1C), framed[len(framed)-2])
	assert.Equal(t, byte(0x0D), framed[len(framed)-1])

	msg, err := readMLLP(bufio.NewReader(bytes.NewReader(framed)))
	require.NoError(t, err)
	assert.Equal(t, "MSH|test", string(msg))
}

func TestReadMLLPRejectsUnframed(t *testing.T) {
	_, err := readMLLP(bufio.NewReader(strings.NewReader("MSH|no-framing")))
	require.Error(t, err)
}

func TestParseADRA19MalformedPID(t *testing.T) {
	_, err := parseADRA19([]byte("PID|1||"))
	require.Error(t, err)
}

func TestBuildQRYA19(t *testing.T) {
	msg := string(buildQRYA19("8f2a-112", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	segments := strings.Split(msg, "\r")
	require.Len(t, segments, 2)
	assert.Contains(t, segments[0], "|20260301120000|")
	assert.Contains(t, segments[0], "QRY^A19")
	assert.True(t, strings.HasPrefix(segments[1], "QRD|20260301120000|R|I|"))
}
