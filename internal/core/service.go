// Package core implements the patient service: every operation reloads the
// whole snapshot from the configured store, and mutations write it back.
package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"patientcore/internal/infra/persistence/memory"
	"patientcore/pkg/domain"
)

// Operation names reported to loggers, metrics, tracers and audit sinks.
const (
	OpListPatients   = "list_patients"
	OpGetPatient     = "get_patient"
	OpCreatePatient  = "create_patient"
	OpUpdatePatient  = "update_patient"
	OpDeletePatient  = "delete_patient"
	OpSortPatients   = "sort_patients"
	OpExportSnapshot = "export_snapshot"
)

// Operations lists every operation name in the order the service exposes them.
var Operations = []string{
	OpListPatients,
	OpGetPatient,
	OpCreatePatient,
	OpUpdatePatient,
	OpDeletePatient,
	OpSortPatients,
	OpExportSnapshot,
}

var auditActions = map[string]AuditAction{
	OpCreatePatient: AuditActionCreate,
	OpUpdatePatient: AuditActionUpdate,
	OpDeletePatient: AuditActionDelete,
}

// Sort fields and orders accepted by Sort.
const (
	SortByHeight = "height"
	SortByWeight = "weight"
	SortByBMI    = "bmi"
	OrderAsc     = "asc"
	OrderDesc    = "desc"
)

var (
	sortFields = []string{SortByHeight, SortByWeight, SortByBMI}
	sortOrders = []string{OrderAsc, OrderDesc}
)

// Service exposes the patient operations over a domain.SnapshotStore.
type Service struct {
	store domain.SnapshotStore
	opts  serviceOptions

	// mu serialises load-mutate-save so in-process writers never lose updates.
	mu sync.Mutex
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.SnapshotStore, opts ...ServiceOption) *Service {
	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{store: store, opts: options}
}

// NewInMemoryService creates a service over an in-memory store seeded with seed.
func NewInMemoryService(seed domain.Snapshot, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(seed), opts...)
}

// Store returns the underlying snapshot store.
func (s *Service) Store() domain.SnapshotStore {
	return s.store
}

// List returns the full current snapshot.
func (s *Service) List(ctx context.Context) (domain.Snapshot, error) {
	var snapshot domain.Snapshot
	err := s.run(ctx, OpListPatients, "", func(ctx context.Context) error {
		var err error
		snapshot, err = s.store.Load(ctx)
		return err
	})
	return snapshot, err
}

// Get returns one patient or domain.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (domain.Patient, error) {
	var patient domain.Patient
	err := s.run(ctx, OpGetPatient, id, func(ctx context.Context) error {
		snapshot, err := s.store.Load(ctx)
		if err != nil {
			return err
		}
		rec, ok := snapshot[id]
		if !ok {
			return domain.ErrNotFound{ID: id}
		}
		patient = rec.WithID(id)
		return nil
	})
	return patient, err
}

// Create validates the input and stores a new patient. An existing id fails
// with domain.ErrConflict and leaves the stored record untouched.
func (s *Service) Create(ctx context.Context, id string, in domain.PatientInput) (domain.Patient, error) {
	var created domain.Patient
	err := s.run(ctx, OpCreatePatient, id, func(ctx context.Context) error {
		patient, err := domain.NewPatient(id, in)
		if err != nil {
			return err
		}
		return s.mutate(ctx, func(snapshot domain.Snapshot) error {
			if _, exists := snapshot[id]; exists {
				return domain.ErrConflict{ID: id}
			}
			snapshot[id] = patient.Record
			created = patient
			return nil
		})
	})
	return created, err
}

// Update overlays the present fields of patch onto the stored patient and
// recomputes the derived fields from the final height and weight.
func (s *Service) Update(ctx context.Context, id string, patch domain.PatientUpdate) (domain.Patient, error) {
	var updated domain.Patient
	err := s.run(ctx, OpUpdatePatient, id, func(ctx context.Context) error {
		if err := patch.Validate(); err != nil {
			return err
		}
		return s.mutate(ctx, func(snapshot domain.Snapshot) error {
			existing, ok := snapshot[id]
			if !ok {
				return domain.ErrNotFound{ID: id}
			}
			merged, err := domain.MergePatient(id, existing, patch)
			if err != nil {
				return err
			}
			snapshot[id] = merged.Record
			updated = merged
			return nil
		})
	})
	return updated, err
}

// Delete removes a patient or fails with domain.ErrNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.run(ctx, OpDeletePatient, id, func(ctx context.Context) error {
		return s.mutate(ctx, func(snapshot domain.Snapshot) error {
			if _, ok := snapshot[id]; !ok {
				return domain.ErrNotFound{ID: id}
			}
			delete(snapshot, id)
			return nil
		})
	})
}

// Sort returns every patient ordered by height, weight or bmi. An empty order
// means ascending. Equal values are ordered by id.
func (s *Service) Sort(ctx context.Context, field, order string) ([]domain.Patient, error) {
	var sorted []domain.Patient
	err := s.run(ctx, OpSortPatients, "", func(ctx context.Context) error {
		key, err := sortKey(field)
		if err != nil {
			return err
		}
		if order == "" {
			order = OrderAsc
		}
		if order != OrderAsc && order != OrderDesc {
			return &domain.InvalidArgumentError{Argument: "order", Value: order, Allowed: sortOrders}
		}
		snapshot, err := s.store.Load(ctx)
		if err != nil {
			return err
		}
		sorted = make([]domain.Patient, 0, len(snapshot))
		for id, rec := range snapshot {
			sorted = append(sorted, rec.WithID(id))
		}
		desc := order == OrderDesc
		sort.Slice(sorted, func(i, j int) bool {
			a, b := key(sorted[i].Record), key(sorted[j].Record)
			if a != b {
				if desc {
					return a > b
				}
				return a < b
			}
			return sorted[i].ID < sorted[j].ID
		})
		return nil
	})
	return sorted, err
}

// Snapshot returns the current collection encoded as the persisted JSON layout.
func (s *Service) Snapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.run(ctx, OpExportSnapshot, "", func(ctx context.Context) error {
		snapshot, err := s.store.Load(ctx)
		if err != nil {
			return err
		}
		data, err = domain.EncodeSnapshot(snapshot)
		return err
	})
	return data, err
}

// sortKey resolves the numeric field to order by. Records decoded without the
// field carry its zero value, so they sort as 0.
func sortKey(field string) (func(domain.Record) float64, error) {
	switch field {
	case SortByHeight:
		return func(r domain.Record) float64 { return r.Height }, nil
	case SortByWeight:
		return func(r domain.Record) float64 { return r.Weight }, nil
	case SortByBMI:
		return func(r domain.Record) float64 { return r.BMI }, nil
	default:
		return nil, &domain.InvalidArgumentError{Argument: "sort_by", Value: field, Allowed: sortFields}
	}
}

func (s *Service) mutate(ctx context.Context, fn func(domain.Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(snapshot); err != nil {
		return err
	}
	return s.store.Save(ctx, snapshot)
}

func (s *Service) run(ctx context.Context, op, patientID string, fn func(context.Context) error) error {
	ctx, span := s.opts.tracer.Start(ctx, op)
	started := time.Now()
	err := fn(ctx)
	duration := time.Since(started)
	span.End(err)
	s.opts.metrics.Observe(ctx, op, err == nil, duration)
	s.recordAudit(ctx, op, patientID, duration, err)

	switch {
	case err == nil:
		s.opts.logger.Debug("patient operation", "operation", op, "patient_id", patientID, "duration", duration)
	case IsClientError(err):
		s.opts.logger.Warn("patient operation rejected", "operation", op, "patient_id", patientID, "error", err)
	default:
		s.opts.logger.Error("patient operation failed", "operation", op, "patient_id", patientID, "error", err)
	}
	return err
}

func (s *Service) recordAudit(ctx context.Context, op, patientID string, duration time.Duration, err error) {
	action, ok := auditActions[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Action:    action,
		PatientID: patientID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.opts.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.opts.audit.Record(ctx, entry)
}

// IsClientError reports whether err was caused by the caller's input rather
// than by the store.
func IsClientError(err error) bool {
	var validation *domain.ValidationError
	var invalid *domain.InvalidArgumentError
	var notFound domain.ErrNotFound
	var conflict domain.ErrConflict
	return errors.As(err, &validation) || errors.As(err, &invalid) ||
		errors.As(err, &notFound) || errors.As(err, &conflict)
}
