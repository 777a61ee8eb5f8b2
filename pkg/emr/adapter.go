package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wardsync/wardsync/pkg/log"
	"github.com/wardsync/wardsync/pkg/types"
	"github.com/wardsync/wardsync/pkg/verify"
)

// ErrPatientIDMismatch is returned when the FHIR and HL7 views of a
// patient disagree on identity. Never retried silently.
var ErrPatientIDMismatch = types.NewError(types.KindPatientIDMismatch, "FHIR and HL7 patient identifiers disagree")

// ErrUnknownSystem is returned for a system with no registered clients
var ErrUnknownSystem = types.NewError(types.KindInvalidResponse, "no clients registered for EMR system")

// PatientRecord is the cross-verified view of one patient
type PatientRecord struct {
	Resource      *Resource
	Demographics  *HL7Patient
	CorrelationID string
	FetchedAt     time.Time
}

// TaskRecord is one fetched task with its referenced patient verified
// to exist in both protocols.
type TaskRecord struct {
	Resource      *Resource
	Patient       *PatientRecord
	CorrelationID string
	FetchedAt     time.Time
}

type clients struct {
	fhir *FHIRClient
	hl7  *HL7Client
}

// Adapter fetches and cross-verifies EMR resources: every patient fetch
// goes out over both FHIR and HL7 in parallel and the identifiers must
// agree before the record is trusted.
type Adapter struct {
	systems  map[types.EMRSystem]clients
	verifier *verify.Engine
}

// NewAdapter creates an adapter backed by the given verification engine
func NewAdapter(verifier *verify.Engine) *Adapter {
	return &Adapter{
		systems:  map[types.EMRSystem]clients{},
		verifier: verifier,
	}
}

// Register adds the protocol clients for one EMR system
func (a *Adapter) Register(system types.EMRSystem, fhir *FHIRClient, hl7 *HL7Client) {
	a.systems[system] = clients{fhir: fhir, hl7: hl7}
}

// FetchPatient fetches a patient over both protocols in parallel and
// cross-checks the identifiers.
func (a *Adapter) FetchPatient(ctx context.Context, system types.EMRSystem, patientID string) (*PatientRecord, error) {
	c, ok := a.systems[system]
	if !ok {
		return nil, fmt.Errorf("%s: %w", system, ErrUnknownSystem)
	}

	corrID := CorrelationID(ctx)
	ctx = WithCorrelationID(ctx, corrID)

	var resource *Resource
	var demo *HL7Patient
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resource, err = c.fhir.GetPatient(gctx, patientID)
		return err
	})
	if c.hl7 != nil {
		g.Go(func() error {
			var err error
			demo, err = c.hl7.QueryPatient(gctx, patientID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, types.WithCorrelation(err, corrID)
	}

	if demo != nil && resource.ID != demo.ID {
		logger := log.WithComponent("emr")
		logger.Error().
			Str("correlation_id", corrID).
			Str("system", string(system)).
			Msg("patient identity disagreement between protocols")
		return nil, types.WithCorrelation(
			fmt.Errorf("system %s: %w", system, ErrPatientIDMismatch), corrID)
	}

	return &PatientRecord{
		Resource:      resource,
		Demographics:  demo,
		CorrelationID: corrID,
		FetchedAt:     time.Now().UTC(),
	}, nil
}

// FetchTask fetches a task via FHIR and cross-verifies its referenced
// patient over both protocols.
func (a *Adapter) FetchTask(ctx context.Context, system types.EMRSystem, taskID string) (*TaskRecord, error) {
	c, ok := a.systems[system]
	if !ok {
		return nil, fmt.Errorf("%s: %w", system, ErrUnknownSystem)
	}

	corrID := CorrelationID(ctx)
	ctx = WithCorrelationID(ctx, corrID)

	resource, err := c.fhir.GetTask(ctx, taskID)
	if err != nil {
		return nil, types.WithCorrelation(err, corrID)
	}

	rec := &TaskRecord{
		Resource:      resource,
		CorrelationID: corrID,
		FetchedAt:     time.Now().UTC(),
	}

	if patientID := taskPatientID(resource.Raw); patientID != "" {
		patient, err := a.FetchPatient(ctx, system, patientID)
		if err != nil {
			return nil, err
		}
		rec.Patient = patient
	}
	return rec, nil
}

// VerifyTask fetches the task, runs the verification rule set against
// the local claim, and returns the decision. The caller records the
// checksum on the replica when the decision is positive.
func (a *Adapter) VerifyTask(ctx context.Context, system types.EMRSystem, taskID string, local *types.Replica, barcode, actor string) (*verify.Result, *TaskRecord, error) {
	rec, err := a.FetchTask(ctx, system, taskID)
	if err != nil {
		return nil, nil, err
	}

	res, err := a.verifier.VerifyTask(local, rec.Resource.Raw, barcode, actor)
	if err != nil {
		return nil, nil, types.WithCorrelation(err, rec.CorrelationID)
	}
	return res, rec, nil
}

// Payload builds the EMR payload envelope recorded on a replica after a
// fetch.
func (rec *TaskRecord) Payload(system types.EMRSystem, checksum string) *types.EMRPayload {
	return &types.EMRPayload{
		System:        system,
		ResourceType:  rec.Resource.Type,
		ResourceID:    rec.Resource.ID,
		Version:       rec.Resource.Version,
		Raw:           rec.Resource.Raw,
		Checksum:      checksum,
		LastFetchedAt: rec.FetchedAt,
	}
}

// taskPatientID extracts the patient id from a Task's "for" reference
func taskPatientID(raw []byte) string {
	var doc struct {
		For struct {
			Reference string `json:"reference"`
		} `json:"for"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return strings.TrimPrefix(doc.For.Reference, "Patient/")
}
