// Package httpapi exposes the patient service over JSON HTTP endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"patientcore/pkg/domain"
)

const (
	welcomeMessage = "welcome to the Patient management system"
	aboutMessage   = "This is a Patient Management System. " +
		"It allows you to create, view, update, and delete patient records. " +
		"You can also sort patients by BMI, height, or weight, and view individual details. " +
		"The system calculates each patient's BMI and provides a health verdict (e.g., Normal, Underweight, Obese). " +
		"Questions about the records can be forwarded to a language model through /query/invoke."
	maxBodyBytes = 1 << 20
)

// PatientService is the subset of the patient service the handler drives.
type PatientService interface {
	List(ctx context.Context) (domain.Snapshot, error)
	Get(ctx context.Context, id string) (domain.Patient, error)
	Create(ctx context.Context, id string, in domain.PatientInput) (domain.Patient, error)
	Update(ctx context.Context, id string, patch domain.PatientUpdate) (domain.Patient, error)
	Delete(ctx context.Context, id string) error
	Sort(ctx context.Context, field, order string) ([]domain.Patient, error)
}

// QueryForwarder answers free-text questions. Failures come back as text.
type QueryForwarder interface {
	Invoke(ctx context.Context, topic, file string) string
}

// Handler routes patient requests to the service.
type Handler struct {
	Patients PatientService
	Query    QueryForwarder
	Metrics  http.Handler
	Logger   *slog.Logger
}

// NewHandler constructs a patient HTTP handler. Query and Metrics are optional;
// their routes answer 404 when unset.
func NewHandler(patients PatientService, query QueryForwarder, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{Patients: patients, Query: query, Metrics: metrics, Logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Patients == nil {
		writeError(w, http.StatusInternalServerError, "patient service not configured")
		return
	}

	path := r.URL.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	switch {
	case path == "/":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeMessage(w, http.StatusOK, welcomeMessage)
	case path == "/about":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeMessage(w, http.StatusOK, aboutMessage)
	case path == "/view":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		h.handleView(w, r)
	case path == "/sort":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		h.handleSort(w, r)
	case path == "/create":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		h.handleCreate(w, r)
	case strings.HasPrefix(path, "/patient/"):
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		h.handleGet(w, r, strings.TrimPrefix(path, "/patient/"))
	case strings.HasPrefix(path, "/edit/"):
		if !allowMethod(w, r, http.MethodPut) {
			return
		}
		h.handleUpdate(w, r, strings.TrimPrefix(path, "/edit/"))
	case strings.HasPrefix(path, "/delete/"):
		if !allowMethod(w, r, http.MethodDelete) {
			return
		}
		h.handleDelete(w, r, strings.TrimPrefix(path, "/delete/"))
	case path == "/query/invoke" && h.Query != nil:
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		h.handleQuery(w, r)
	case path == "/metrics" && h.Metrics != nil:
		h.Metrics.ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "endpoint not found")
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Patients.List(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	patient, err := h.Patients.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) handleSort(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sorted, err := h.Patients.Sort(r.Context(), q.Get("sort_by"), q.Get("order"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sorted)
}

// createRequest mirrors a full patient. Pointer fields detect omitted values.
type createRequest struct {
	ID        *string        `json:"id"`
	Name      *string        `json:"name"`
	City      *string        `json:"city"`
	Age       *int           `json:"age"`
	Gender    *domain.Gender `json:"gender"`
	Height    *float64       `json:"height"`
	Weight    *float64       `json:"weight"`
	Diagnosis *string        `json:"diagnosis"`
}

func (c createRequest) input() (string, domain.PatientInput, error) {
	required := []struct {
		field   string
		present bool
	}{
		{"id", c.ID != nil},
		{"name", c.Name != nil},
		{"city", c.City != nil},
		{"age", c.Age != nil},
		{"gender", c.Gender != nil},
		{"height", c.Height != nil},
		{"weight", c.Weight != nil},
		{"diagnosis", c.Diagnosis != nil},
	}
	for _, r := range required {
		if !r.present {
			return "", domain.PatientInput{}, &domain.ValidationError{Field: r.field, Rule: "field required"}
		}
	}
	return *c.ID, domain.PatientInput{
		Name:      *c.Name,
		City:      *c.City,
		Age:       *c.Age,
		Gender:    *c.Gender,
		Height:    *c.Height,
		Weight:    *c.Weight,
		Diagnosis: *c.Diagnosis,
	}, nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patient payload")
		return
	}
	id, in, err := req.input()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	patient, err := h.Patients.Create(r.Context(), id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "patient created successfully", "id": patient.ID})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	var patch domain.PatientUpdate
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update payload")
		return
	}
	if _, err := h.Patients.Update(r.Context(), id, patch); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "patient updated")
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	if err := h.Patients.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "patient deleted")
}

type queryRequest struct {
	Input struct {
		Topic string `json:"topic"`
		File  string `json:"file"`
	} `json:"input"`
}

type queryResponse struct {
	Output struct {
		Content string `json:"content"`
	} `json:"output"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query payload")
		return
	}
	var resp queryResponse
	resp.Output.Content = h.Query.Invoke(r.Context(), req.Input.Topic, req.Input.File)
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody reads a single JSON value. An empty body is an error.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after JSON body")
	}
	return nil
}

// writeServiceError maps domain errors onto status codes. Anything else is a
// storage failure and is logged.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *domain.ValidationError
	var invalid *domain.InvalidArgumentError
	var notFound domain.ErrNotFound
	var conflict domain.ErrConflict
	switch {
	case errors.As(err, &validation), errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "Patient not found")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "Patient already exists")
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
