package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"netconverge/internal/domain"
	"netconverge/internal/usecase/remediation"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 64 << 10
)

// Runner executes one request end to end and returns its report.
type Runner interface {
	Run(ctx context.Context, req domain.Request) (domain.Report, error)
}

// ReportReader reads persisted reports.
type ReportReader interface {
	Get(ctx context.Context, id string) (domain.Report, error)
	List(ctx context.Context, limit int) ([]domain.ReportSummary, error)
}

// DeviceLister describes the bound device agents.
type DeviceLister interface {
	Describe(ctx context.Context) []domain.Description
}

// submitRequest is the body of POST /v1/requests. Endpoints may be omitted,
// in which case they are extracted from the description.
type submitRequest struct {
	Description string   `json:"description" validate:"required,max=4096"`
	Endpoints   []string `json:"endpoints" validate:"omitempty,max=64,dive,required,max=253"`
	Requester   string   `json:"requester" validate:"max=128"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.ErrorCodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, string(code), err.Error())
}

func submitHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "malformed JSON body: "+err.Error())
			return
		}
		if err := validate.Struct(body); err != nil {
			writeError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), validationMessage(err))
			return
		}
		if body.Requester == "" {
			body.Requester = clientFrom(r.Context()).Name
		}

		ctx := r.Context()
		if deps.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deps.RequestTimeout)
			defer cancel()
		}
		report, err := deps.Runner.Run(ctx, remediation.NewRequest(body.Description, body.Endpoints, body.Requester))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/reports/"+report.ID)
		writeJSON(w, http.StatusCreated, report)
	}
}

func validationMessage(err error) string {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, field+" exceeds "+fe.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func listReportsHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "limit must be a positive integer")
				return
			}
			limit = min(n, maxListLimit)
		}
		reports, err := deps.Reports.List(r.Context(), limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if reports == nil {
			reports = []domain.ReportSummary{}
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func getReportHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Reports.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func listDevicesHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices := deps.Devices.Describe(r.Context())
		if devices == nil {
			devices = []domain.Description{}
		}
		writeJSON(w, http.StatusOK, devices)
	}
}

type clientKey struct{}

func withClient(ctx context.Context, c *ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

func clientFrom(ctx context.Context) *ClientInfo {
	if c, ok := ctx.Value(clientKey{}).(*ClientInfo); ok {
		return c
	}
	return &ClientInfo{Name: "anonymous"}
}
