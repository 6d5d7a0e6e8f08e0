// Package mcpserver exposes the request interface as MCP tools so an
// assistant can ask for a connectivity check and read the resulting report.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"netconverge/internal/domain"
	"netconverge/internal/usecase/notify"
	"netconverge/internal/usecase/remediation"
)

const (
	toolVerify    = "verify_connectivity"
	toolGetReport = "get_report"
)

// Runner executes one request end to end.
type Runner interface {
	Run(ctx context.Context, req domain.Request) (domain.Report, error)
}

// ReportReader loads stored reports.
type ReportReader interface {
	Get(ctx context.Context, id string) (domain.Report, error)
}

type verifyInput struct {
	Description string   `validate:"required,max=4096"`
	Endpoints   []string `validate:"omitempty,max=64,dive,required,max=253"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Server wraps an MCP server with the netconverge tools registered.
type Server struct {
	mcp     *server.MCPServer
	runner  Runner
	reports ReportReader
	logger  *slog.Logger
}

// New registers the tools. reports may be nil, in which case get_report is
// not offered.
func New(runner Runner, reports ReportReader, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		mcp:     server.NewMCPServer("netconverge", version, server.WithToolCapabilities(false), server.WithRecovery()),
		runner:  runner,
		reports: reports,
		logger:  logger.With("component", "mcp"),
	}

	s.mcp.AddTool(mcp.NewTool(toolVerify,
		mcp.WithDescription("Verify connectivity between two or more network devices against the source of truth, "+
			"fix drifted interface configuration, and return the final report."),
		mcp.WithString("description", mcp.Required(),
			mcp.Description("What to check, e.g. \"R1 cannot reach R2 over Gi0/0\"")),
		mcp.WithArray("endpoints", mcp.WithStringItems(),
			mcp.Description("Device names or addresses; extracted from the description when omitted")),
	), s.handleVerify)

	if reports != nil {
		s.mcp.AddTool(mcp.NewTool(toolGetReport,
			mcp.WithDescription("Fetch a stored remediation report by id."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Report id returned by verify_connectivity")),
		), s.handleGetReport)
	}
	return s
}

// ServeStdio serves MCP over stdin and stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

// HandleMessage processes one JSON-RPC message.
func (s *Server) HandleMessage(ctx context.Context, msg json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, msg)
}

func (s *Server) handleVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := verifyInput{
		Description: req.GetString("description", ""),
		Endpoints:   req.GetStringSlice("endpoints", nil),
	}
	if err := validate.Struct(in); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + inputMessage(err)), nil
	}

	report, err := s.runner.Run(ctx, remediation.NewRequest(in.Description, in.Endpoints, "mcp"))
	if err != nil {
		s.logger.Warn("verify_connectivity rejected", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", domain.ErrorCodeOf(err), err)), nil
	}
	s.logger.Info("verify_connectivity finished", "request_id", report.RequestID, "outcome", report.Outcome)
	return reportResult(report)
}

func (s *Server) handleGetReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil || strings.TrimSpace(id) == "" {
		return mcp.NewToolResultError("invalid arguments: id is required"), nil
	}
	report, err := s.reports.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("report %s not found", id)), nil
		}
		return nil, err
	}
	return reportResult(report)
}

// reportResult returns the readable report followed by its JSON form.
func reportResult(r domain.Report) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(notify.Body(r)),
			mcp.NewTextContent(string(data)),
		},
		IsError: r.Outcome == domain.OutcomeFailed,
	}, nil
}

func inputMessage(err error) string {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
