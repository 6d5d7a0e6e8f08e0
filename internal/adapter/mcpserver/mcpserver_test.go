package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
	"netconverge/internal/usecase/remediation"
)

type fakeRunner struct {
	requests []domain.Request
	outcome  domain.Outcome
}

func (f *fakeRunner) Run(_ context.Context, req domain.Request) (domain.Report, error) {
	req, err := remediation.Normalize(req)
	if err != nil {
		return domain.Report{}, err
	}
	f.requests = append(f.requests, req)
	return domain.Report{
		ID: "rep-1", RequestID: req.ID, Outcome: f.outcome, Endpoints: req.Endpoints,
		Problem: "R1/Gi0/0 drifted",
	}, nil
}

type fakeReports map[string]domain.Report

func (f fakeReports) Get(_ context.Context, id string) (domain.Report, error) {
	r, ok := f[id]
	if !ok {
		return domain.Report{}, domain.NewSubSystemError("store", "Get", domain.ErrNotFound, id)
	}
	return r, nil
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult, i int) string {
	t.Helper()
	require.Greater(t, len(res.Content), i)
	tc, ok := res.Content[i].(mcp.TextContent)
	require.True(t, ok, "content %d is %T", i, res.Content[i])
	return tc.Text
}

func TestVerifyConnectivity(t *testing.T) {
	runner := &fakeRunner{outcome: domain.OutcomeResolved}
	s := New(runner, fakeReports{}, "test", nil)

	res, err := s.handleVerify(context.Background(), call(toolVerify, map[string]any{
		"description": "fix R1 to R2",
		"endpoints":   []any{"R1", "R2"},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res, 0), "R1/Gi0/0 drifted")

	var report domain.Report
	require.NoError(t, json.Unmarshal([]byte(text(t, res, 1)), &report))
	assert.Equal(t, domain.OutcomeResolved, report.Outcome)

	require.Len(t, runner.requests, 1)
	assert.Equal(t, []string{"R1", "R2"}, runner.requests[0].Endpoints)
	assert.Equal(t, "mcp", runner.requests[0].Requester)
}

func TestVerifyConnectivityFromFreeText(t *testing.T) {
	runner := &fakeRunner{outcome: domain.OutcomeNoIssue}
	s := New(runner, nil, "test", nil)

	res, err := s.handleVerify(context.Background(), call(toolVerify, map[string]any{
		"description": "can core-sw01 reach 10.0.0.2?",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"core-sw01", "10.0.0.2"}, runner.requests[0].Endpoints)
}

func TestVerifyConnectivityRejectsBadInput(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, nil, "test", nil)

	res, err := s.handleVerify(context.Background(), call(toolVerify, map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res, 0), "description")

	res, err = s.handleVerify(context.Background(), call(toolVerify, map[string]any{"description": "only R1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res, 0), string(domain.CodeInvalidInput))
	assert.Empty(t, runner.requests)
}

func TestFailedReportIsToolError(t *testing.T) {
	s := New(&fakeRunner{outcome: domain.OutcomeFailed}, nil, "test", nil)
	res, err := s.handleVerify(context.Background(), call(toolVerify, map[string]any{
		"description": "R1 R2",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetReport(t *testing.T) {
	s := New(&fakeRunner{}, fakeReports{"rep-9": {ID: "rep-9", Outcome: domain.OutcomeEscalated}}, "test", nil)

	res, err := s.handleGetReport(context.Background(), call(toolGetReport, map[string]any{"id": "rep-9"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res, 0), "Report rep-9")

	res, err = s.handleGetReport(context.Background(), call(toolGetReport, map[string]any{"id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res, 0), "not found")

	res, err = s.handleGetReport(context.Background(), call(toolGetReport, map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestToolsListed(t *testing.T) {
	s := New(&fakeRunner{}, fakeReports{}, "test", nil)
	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), toolVerify)
	assert.Contains(t, string(data), toolGetReport)

	noReports := New(&fakeRunner{}, nil, "test", nil)
	resp = noReports.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	data, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(data), toolGetReport)
}
