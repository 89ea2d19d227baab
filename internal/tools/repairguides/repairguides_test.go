package repairguides

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fixos/fixos-mcp/internal/repairguide"
	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource records calls and returns canned results
type fakeSource struct {
	summaries []repairguide.GuideSummary
	detail    *repairguide.RepairDetail
	err       error

	searched []string
	fetched  []int64
}

func (f *fakeSource) Search(_ context.Context, deviceName string) ([]repairguide.GuideSummary, error) {
	f.searched = append(f.searched, deviceName)
	return f.summaries, f.err
}

func (f *fakeSource) GetSteps(_ context.Context, guideID int64) (*repairguide.RepairDetail, error) {
	f.fetched = append(f.fetched, guideID)
	return f.detail, f.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return text.Text
}

func resultError(t *testing.T, result *mcp.CallToolResult) *repairguide.OperationError {
	t.Helper()
	require.True(t, result.IsError)

	var payload struct {
		Error *repairguide.OperationError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &payload))
	require.NotNil(t, payload.Error)
	return payload.Error
}

func TestDefinitions(t *testing.T) {
	var _ tools.Tool = (*SearchTool)(nil)
	var _ tools.Tool = (*StepsTool)(nil)
	var _ tools.ExtendedHelpProvider = (*SearchTool)(nil)
	var _ tools.ExtendedHelpProvider = (*StepsTool)(nil)

	search := NewSearchTool(&fakeSource{}).Definition()
	assert.Equal(t, "search_device_manual", search.Name)
	assert.Contains(t, search.InputSchema.Required, "device_name")
	require.NotNil(t, search.Annotations.ReadOnlyHint)
	assert.True(t, *search.Annotations.ReadOnlyHint)
	require.NotNil(t, search.Annotations.IdempotentHint)
	assert.True(t, *search.Annotations.IdempotentHint)

	steps := NewStepsTool(&fakeSource{}).Definition()
	assert.Equal(t, "get_repair_steps", steps.Name)
	assert.Contains(t, steps.InputSchema.Required, "guide_id")
	require.NotNil(t, steps.Annotations.OpenWorldHint)
	assert.True(t, *steps.Annotations.OpenWorldHint)
}

func TestSearchTool_Success(t *testing.T) {
	source := &fakeSource{summaries: []repairguide.GuideSummary{
		{GuideID: 3032, Title: "iPhone 6 Battery Replacement"},
	}}
	tool := NewSearchTool(source)

	result, err := tool.Execute(context.Background(), testLogger(), map[string]any{"device_name": "iPhone 6"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `[{"guide_id":3032,"title":"iPhone 6 Battery Replacement","summary":"","image_url":""}]`, resultText(t, result))
	assert.Equal(t, []string{"iPhone 6"}, source.searched)
}

func TestSearchTool_EmptyResultIsArray(t *testing.T) {
	tool := NewSearchTool(&fakeSource{summaries: []repairguide.GuideSummary{}})

	result, err := tool.Execute(context.Background(), testLogger(), map[string]any{"device_name": "nothing"})
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestSearchTool_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{name: "missing", args: map[string]any{}},
		{name: "null", args: map[string]any{"device_name": nil}},
		{name: "number", args: map[string]any{"device_name": 42.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{}
			result, err := NewSearchTool(source).Execute(context.Background(), testLogger(), tt.args)
			require.NoError(t, err)
			assert.Equal(t, repairguide.KindInvalidInput, resultError(t, result).Kind)
			assert.Empty(t, source.searched)
		})
	}
}

func TestSearchTool_OperationErrorIsReported(t *testing.T) {
	source := &fakeSource{err: &repairguide.OperationError{
		Kind:       repairguide.KindUpstreamHTTPError,
		Message:    "upstream returned HTTP 503 for search",
		HTTPStatus: 503,
	}}

	result, err := NewSearchTool(source).Execute(context.Background(), testLogger(), map[string]any{"device_name": "iPhone 6"})
	require.NoError(t, err)

	opErr := resultError(t, result)
	assert.Equal(t, repairguide.KindUpstreamHTTPError, opErr.Kind)
	assert.Equal(t, 503, opErr.HTTPStatus)
	assert.Equal(t, "upstream returned HTTP 503 for search", opErr.Message)
}

func TestStepsTool_Success(t *testing.T) {
	source := &fakeSource{detail: &repairguide.RepairDetail{
		Title:         "Fan Cleaning",
		Difficulty:    "Easy",
		ToolsRequired: []string{},
		PartsRequired: []string{},
		Steps:         []repairguide.Step{{Instructions: "Open the case.", Images: []string{}}},
	}}

	result, err := NewStepsTool(source).Execute(context.Background(), testLogger(), map[string]any{"guide_id": 147923.0})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{
		"title": "Fan Cleaning",
		"difficulty": "Easy",
		"tools_required": [],
		"parts_required": [],
		"steps": [{"instructions": "Open the case.", "images": []}]
	}`, resultText(t, result))
	assert.Equal(t, []int64{147923}, source.fetched)
}

func TestStepsTool_ArgumentErrors(t *testing.T) {
	for _, raw := range []any{nil, 12.5, "abc", true, []any{1}} {
		source := &fakeSource{}
		result, err := NewStepsTool(source).Execute(context.Background(), testLogger(), map[string]any{"guide_id": raw})
		require.NoError(t, err)
		assert.Equal(t, repairguide.KindInvalidInput, resultError(t, result).Kind, "guide_id=%v", raw)
		assert.Empty(t, source.fetched)
	}
}

func TestParseGuideID(t *testing.T) {
	tests := []struct {
		raw  any
		want int64
	}{
		{raw: 3032.0, want: 3032},
		{raw: 7, want: 7},
		{raw: int64(9), want: 9},
		{raw: json.Number("11"), want: 11},
		{raw: " 42 ", want: 42},
		{raw: -5.0, want: -5},
	}

	for _, tt := range tests {
		got, err := parseGuideID(tt.raw)
		require.NoError(t, err, "raw=%v", tt.raw)
		assert.Equal(t, tt.want, got)
	}
}
