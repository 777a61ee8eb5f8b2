package emr

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/types"
)

// MLLP framing bytes
const (
	mllpStart = 0x0B
	mllpEnd   = 0x1C
	mllpCR    = 0x0D
)

// HL7Patient is the demographic subset parsed from an ADR^A19 response
type HL7Patient struct {
	ID         string
	FamilyName string
	GivenName  string
	Raw        []byte
}

// HL7Client queries patient demographics over the HL7 v2 MLLP wire
// protocol (QRY^A19). Production deployments require TLS; plain TCP is
// for test rigs only.
type HL7Client struct {
	system   types.EMRSystem
	address  string
	tlsConf  *tls.Config
	timeout  time.Duration
	breakers *Breakers

	// dial is injectable for tests
	dial func(ctx context.Context, address string) (net.Conn, error)
}

// NewHL7Client creates a client for one EMR system's HL7 interface. A
// nil tlsConf disables TLS; with TLS the minimum version is 1.3.
func NewHL7Client(system types.EMRSystem, address string, tlsConf *tls.Config, breakers *Breakers, timeout time.Duration) *HL7Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if tlsConf != nil && tlsConf.MinVersion < tls.VersionTLS13 {
		tlsConf = tlsConf.Clone()
		tlsConf.MinVersion = tls.VersionTLS13
	}
	c := &HL7Client{
		system:   system,
		address:  address,
		tlsConf:  tlsConf,
		timeout:  timeout,
		breakers: breakers,
	}
	c.dial = c.dialDefault
	return c
}

func (c *HL7Client) dialDefault(ctx context.Context, address string) (net.Conn, error) {
	d := &net.Dialer{}
	if c.tlsConf != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.tlsConf}
		return td.DialContext(ctx, "tcp", address)
	}
	return d.DialContext(ctx, "tcp", address)
}

// QueryPatient sends a QRY^A19 for one patient and parses the PID
// segment of the response.
func (c *HL7Client) QueryPatient(parent context.Context, patientID string) (*HL7Patient, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	began := time.Now()
	var patient *HL7Patient
	err := retryTransient(ctx, func() error {
		out, err := c.breakers.Execute("hl7://"+c.address, func() (interface{}, error) {
			return c.query(ctx, patientID)
		})
		if err != nil {
			return err
		}
		patient = out.(*HL7Patient)
		return nil
	})

	metrics.EMRRequestDuration.WithLabelValues(string(c.system), "hl7").Observe(time.Since(began).Seconds())
	if err != nil {
		metrics.EMRRequestsTotal.WithLabelValues(string(c.system), "hl7", "error").Inc()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s hl7 query: %w", c.system, ErrEMRTimeout)
		}
		return nil, err
	}
	metrics.EMRRequestsTotal.WithLabelValues(string(c.system), "hl7", "ok").Inc()
	return patient, nil
}

func (c *HL7Client) query(ctx context.Context, patientID string) (*HL7Patient, error) {
	conn, err := c.dial(ctx, c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	msg := buildQRYA19(patientID, time.Now().UTC())
	if _, err := conn.Write(frameMLLP(msg)); err != nil {
		return nil, err
	}

	resp, err := readMLLP(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return parseADRA19(resp)
}

// buildQRYA19 constructs an HL7 v2.3 patient demographics query
func buildQRYA19(patientID string, now time.Time) []byte {
	ts := now.Format("20060102150405")
	msgID := strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
	segments := []string{
		fmt.Sprintf("MSH|^~\\&|WARDSYNC|WARD|EMR|HOSP|%s||QRY^A19|%s|P|2.3", ts, msgID),
		fmt.Sprintf("QRD|%s|R|I|%s|||1^RD|%s|DEM", ts, msgID, patientID),
	}
	return []byte(strings.Join(segments, "\r"))
}

// frameMLLP wraps a message in MLLP start/end framing
func frameMLLP(msg []byte) []byte {
	out := make([]byte, 0, len(msg)+3)
	out = append(out, mllpStart)
	out = append(out, msg...)
	out = append(out, mllpEnd, mllpCR)
	return out
}

// readMLLP reads one MLLP-framed message
func readMLLP(r *bufio.Reader) ([]byte, error) {
	start, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if start != mllpStart {
		return nil, types.NewError(types.KindInvalidResponse, "missing MLLP start byte")
	}
	msg, err := r.ReadBytes(mllpEnd)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(msg, []byte{mllpEnd}), nil
}

// parseADRA19 extracts patient demographics from the PID segment of an
// ADR^A19 response.
func parseADRA19(msg []byte) (*HL7Patient, error) {
	for _, segment := range strings.FieldsFunc(string(msg), func(r rune) bool { return r == '\r' || r == '\n' }) {
		if !strings.HasPrefix(segment, "PID|") {
			continue
		}
		fields := strings.Split(segment, "|")
		p := &HL7Patient{Raw: msg}
		if len(fields) > 3 {
			// PID-3: patient identifier list; first component is the id
			p.ID = strings.SplitN(fields[3], "^", 2)[0]
		}
		if len(fields) > 5 {
			name := strings.Split(fields[5], "^")
			p.FamilyName = name[0]
			if len(name) > 1 {
				p.GivenName = name[1]
			}
		}
		if p.ID == "" {
			return nil, types.NewError(types.KindInvalidResponse, "PID segment missing patient identifier")
		}
		return p, nil
	}
	return nil, types.NewError(types.KindInvalidResponse, "response has no PID segment")
}
