package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/metrics"
	"github.com/wardsync/wardsync/pkg/storage"
	"github.com/wardsync/wardsync/pkg/types"
)

// DefaultStaleness is the freshness window after which a verified
// replica reads as stale.
const DefaultStaleness = 15 * time.Minute

// Result is one verification decision
type Result struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`

	// Checksum of the normalized payload; recorded on the replica when
	// the decision is positive so later merges can re-derive verified.
	Checksum string `json:"checksum"`
}

// Engine decides whether a task's verification state transitions to
// verified or failed, based on the EMR-fetched payload, the local
// claim, and optional barcode data.
type Engine struct {
	store     storage.Store
	staleness time.Duration
	now       func() time.Time
}

// NewEngine creates a verification engine writing decisions to the
// store's audit log. staleness falls back to the default when zero.
func NewEngine(store storage.Store, staleness time.Duration) *Engine {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Engine{store: store, staleness: staleness, now: time.Now}
}

// VerifyTask validates the fetched payload against the local claim and
// writes one emr_verification audit entry for the decision. The
// returned result's checksum is only trustworthy when IsValid is true.
func (e *Engine) VerifyTask(local *types.Replica, payload []byte, barcode, actor string) (*Result, error) {
	began := e.now()
	res := &Result{}

	normalized, err := Normalize(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	res.Checksum = Checksum(normalized)

	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	e.checkResourceType(doc, res)
	e.checkRequiredFields(doc, res)
	e.checkStatus(doc, local, res)
	checkCodings(doc, res)
	checkReferences(doc, res)
	if barcode != "" {
		e.checkBarcode(doc, barcode, res)
	}

	res.IsValid = len(res.Errors) == 0

	outcome := "failed"
	if res.IsValid {
		outcome = "verified"
	}
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	metrics.VerificationDuration.Observe(time.Since(began).Seconds())

	e.audit(local, res, actor, time.Since(began))

	logger := log.WithComponent("verify")
	logger.Debug().
		Str("replica_id", local.ID).
		Bool("is_valid", res.IsValid).
		Int("errors", len(res.Errors)).
		Int("warnings", len(res.Warnings)).
		Msg("verification decision")
	return res, nil
}

// StateOf applies staleness on read: a verified replica whose last
// verification is older than the freshness window reads as stale.
func (e *Engine) StateOf(r *types.Replica) types.VerificationState {
	if r.VerificationState == types.VerificationVerified &&
		!r.VerifiedAt.IsZero() && e.now().Sub(r.VerifiedAt) > e.staleness {
		return types.VerificationStale
	}
	return r.VerificationState
}

func (e *Engine) checkResourceType(doc map[string]interface{}, res *Result) {
	rt, _ := doc["resourceType"].(string)
	if rt != "Task" {
		res.Errors = append(res.Errors, fmt.Sprintf("emr_mismatch: resource type %q, want Task", rt))
	}
}

// checkRequiredFields enforces the FHIR R4 Task profile's mandatory
// elements.
func (e *Engine) checkRequiredFields(doc map[string]interface{}, res *Result) {
	for _, field := range []string{"status", "intent"} {
		if v, ok := doc[field].(string); !ok || v == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("emr_mismatch: required field %q missing", field))
		}
	}
}

// statusClaims maps each local status to the FHIR Task statuses it may
// legitimately correspond to.
var statusClaims = map[types.Status][]string{
	types.StatusTodo:       {"draft", "requested", "received", "accepted", "ready"},
	types.StatusInProgress: {"in-progress"},
	types.StatusBlocked:    {"on-hold"},
	types.StatusCompleted:  {"completed"},
	types.StatusCancelled:  {"cancelled"},
	types.StatusVerified:   {"completed"},
}

func (e *Engine) checkStatus(doc map[string]interface{}, local *types.Replica, res *Result) {
	remote, _ := doc["status"].(string)
	if remote == "entered-in-error" {
		res.Errors = append(res.Errors, "status_mismatch: task entered-in-error")
		return
	}
	for _, allowed := range statusClaims[local.Status] {
		if remote == allowed {
			return
		}
	}
	res.Errors = append(res.Errors,
		fmt.Sprintf("status_mismatch: local %s vs remote %s", local.Status, remote))
}

// checkCodings walks the document for terminology codings; each must
// carry both system and code.
func checkCodings(v interface{}, res *Result) {
	switch node := v.(type) {
	case map[string]interface{}:
		if codings, ok := node["coding"].([]interface{}); ok {
			for _, c := range codings {
				coding, ok := c.(map[string]interface{})
				if !ok {
					continue
				}
				sys, _ := coding["system"].(string)
				code, _ := coding["code"].(string)
				if sys == "" || code == "" {
					res.Warnings = append(res.Warnings, "incomplete_coding")
				}
			}
		}
		for _, child := range node {
			checkCodings(child, res)
		}
	case []interface{}:
		for _, child := range node {
			checkCodings(child, res)
		}
	}
}

// checkReferences requires every relationship reference to resolve to a
// non-empty string.
func checkReferences(v interface{}, res *Result) {
	switch node := v.(type) {
	case map[string]interface{}:
		if ref, present := node["reference"]; present {
			if s, ok := ref.(string); !ok || s == "" {
				res.Errors = append(res.Errors, "emr_mismatch: null relationship reference")
			}
		}
		for _, child := range node {
			checkReferences(child, res)
		}
	case []interface{}:
		for _, child := range node {
			checkReferences(child, res)
		}
	}
}

// barcodePrefixes are the recognized medical identifier schemes
var barcodePrefixes = []string{"MRN", "PID", "PAT", "NHS"}

func (e *Engine) checkBarcode(doc map[string]interface{}, barcode string, res *Result) {
	if len(barcode) < 8 || len(barcode) > 64 {
		res.Errors = append(res.Errors, "emr_mismatch: barcode length out of range")
		return
	}
	var prefix string
	for _, p := range barcodePrefixes {
		if strings.HasPrefix(barcode, p) {
			prefix = p
			break
		}
	}
	if prefix == "" {
		res.Errors = append(res.Errors, "emr_mismatch: unrecognized barcode prefix")
		return
	}

	patient := patientIdentifier(doc)
	if patient == "" || strings.TrimPrefix(barcode, prefix) != patient {
		res.Errors = append(res.Errors, "patient_id_mismatch: barcode does not match EMR patient identifier")
	}
}

// patientIdentifier extracts the patient id embedded in a Task payload
// (the "for" reference).
func patientIdentifier(doc map[string]interface{}) string {
	forRef, ok := doc["for"].(map[string]interface{})
	if !ok {
		return ""
	}
	ref, _ := forRef["reference"].(string)
	return strings.TrimPrefix(ref, "Patient/")
}

func (e *Engine) audit(local *types.Replica, res *Result, actor string, took time.Duration) {
	result := "failed"
	if res.IsValid {
		result = "verified"
	}
	entry := &types.AuditEntry{
		Timestamp: e.now().UTC(),
		Actor:     actor,
		Action:    types.AuditActionEMRVerification,
		TargetID:  local.ID,
		Metadata: map[string]string{
			"result":      result,
			"errors":      fmt.Sprintf("%d", len(res.Errors)),
			"warnings":    fmt.Sprintf("%d", len(res.Warnings)),
			"duration_ms": fmt.Sprintf("%d", took.Milliseconds()),
			"checksum":    res.Checksum,
		},
	}
	if err := e.store.AppendAudit(entry); err != nil {
		logger := log.WithComponent("verify")
		logger.Error().Err(err).
			Str("replica_id", local.ID).
			Msg("failed to audit verification decision")
	}
}

// Normalize re-encodes a JSON payload in canonical form: object keys
// sorted, no insignificant whitespace, numbers preserved verbatim.
func Normalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Checksum returns the hex SHA-256 of a normalized payload
func Checksum(normalized []byte) string {
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}
