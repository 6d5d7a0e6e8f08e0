// Package ticketing implements the incident system boundary.
package ticketing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"netconverge/internal/adapter/httpapi"
	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

// ServiceNow incident and problem states used here.
const (
	incidentResolved    = "6"
	problemFixInProcess = "3"
	problemResolved     = "6"
	defaultCloseCode    = "Solved (Permanently)"
)

// ServiceNow talks to the ServiceNow Table API.
type ServiceNow struct {
	api    *httpapi.Client
	cfg    config.ServiceNowConfig
	logger *slog.Logger
}

// NewServiceNow creates a ServiceNow incident system. Table defaults to incident.
func NewServiceNow(cfg config.ServiceNowConfig, cb config.CircuitBreakerConfig, logger *slog.Logger) (*ServiceNow, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Table == "" {
		cfg.Table = "incident"
	}
	if cfg.Table != "incident" && cfg.Table != "problem" {
		return nil, domain.NewSubSystemError("ticketing", "ticketing.NewServiceNow", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported table %q", cfg.Table))
	}
	user, pass := cfg.Username, cfg.Password
	api, err := httpapi.New(httpapi.Options{
		Name:    "servicenow",
		BaseURL: cfg.URL,
		Timeout: cfg.Timeout,
		Breaker: cb,
		Auth:    func(r *http.Request) { r.SetBasicAuth(user, pass) },
		Logger:  logger,
	})
	if err != nil {
		return nil, domain.NewSubSystemError("ticketing", "ticketing.NewServiceNow", domain.ErrInvalidInput, err.Error())
	}
	return &ServiceNow{api: api, cfg: cfg, logger: logger.With("component", "servicenow", "table", cfg.Table)}, nil
}

type record struct {
	SysID  string `json:"sys_id"`
	Number string `json:"number"`
}

func (s *ServiceNow) path(sysID string) string {
	p := "/api/now/table/" + s.cfg.Table
	if sysID != "" {
		p += "/" + sysID
	}
	return p
}

// Open returns the active record carrying the correlation id if one exists,
// otherwise creates it.
func (s *ServiceNow) Open(ctx context.Context, summary domain.IncidentSummary) (domain.TicketRef, error) {
	const op = "ServiceNow.Open"
	var found struct {
		Result []record `json:"result"`
	}
	q := url.Values{
		"sysparm_query":  {"correlation_id=" + summary.CorrelationID + "^active=true"},
		"sysparm_fields": {"sys_id,number"},
		"sysparm_limit":  {"1"},
	}
	if err := s.api.JSON(ctx, http.MethodGet, s.path(""), q, nil, &found); err != nil {
		return domain.TicketRef{}, domain.WrapOp(op, err)
	}
	if len(found.Result) > 0 {
		r := found.Result[0]
		s.logger.Info("reusing existing record", "number", r.Number, "correlation_id", summary.CorrelationID)
		return domain.TicketRef{ID: r.SysID, Number: r.Number}, nil
	}

	body := map[string]string{
		"short_description": summary.ShortDescription,
		"description":       summary.Description,
		"correlation_id":    summary.CorrelationID,
		"urgency":           fmt.Sprint(summary.Urgency),
		"impact":            fmt.Sprint(summary.Urgency),
	}
	if s.cfg.AssignmentGroup != "" {
		body["assignment_group"] = s.cfg.AssignmentGroup
	}
	if s.cfg.Category != "" {
		body["category"] = s.cfg.Category
	}
	var created struct {
		Result record `json:"result"`
	}
	if err := s.api.JSON(ctx, http.MethodPost, s.path(""), nil, body, &created); err != nil {
		return domain.TicketRef{}, domain.WrapOp(op, err)
	}
	if created.Result.SysID == "" {
		return domain.TicketRef{}, fmt.Errorf("%s: response carries no sys_id", op)
	}
	return domain.TicketRef{ID: created.Result.SysID, Number: created.Result.Number}, nil
}

// Update appends a work note.
func (s *ServiceNow) Update(ctx context.Context, ticket domain.TicketRef, body string) error {
	return s.patch(ctx, "ServiceNow.Update", ticket, map[string]string{"work_notes": body})
}

// Resolve closes the record with the resolution text as close notes.
func (s *ServiceNow) Resolve(ctx context.Context, ticket domain.TicketRef, resolution string) error {
	const op = "ServiceNow.Resolve"
	if s.cfg.Table == "problem" {
		if err := s.patch(ctx, op, ticket, map[string]string{"problem_state": problemFixInProcess, "work_notes": resolution}); err != nil {
			return err
		}
		return s.patch(ctx, op, ticket, map[string]string{
			"problem_state":   problemResolved,
			"resolution_code": "fix_applied",
			"fix_notes":       resolution,
		})
	}
	return s.patch(ctx, op, ticket, map[string]string{
		"state":       incidentResolved,
		"close_code":  defaultCloseCode,
		"close_notes": resolution,
	})
}

func (s *ServiceNow) patch(ctx context.Context, op string, ticket domain.TicketRef, fields map[string]string) error {
	if ticket.ID == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "ticket without sys_id")
	}
	err := s.api.JSON(ctx, http.MethodPatch, s.path(ticket.ID), nil, fields, nil)
	if httpapi.IsStatus(err, http.StatusNotFound) {
		return domain.NewSubSystemError("ticketing", op, domain.ErrNotFound, ticket.Display())
	}
	return domain.WrapOp(op, err)
}

var _ domain.IncidentSystem = (*ServiceNow)(nil)
