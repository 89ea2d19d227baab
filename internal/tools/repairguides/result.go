// Package repairguides exposes the repair guide operations as MCP tools.
package repairguides

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fixos/fixos-mcp/internal/repairguide"
	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// GuideSource is the subset of *repairguide.Mediator the tools depend on
type GuideSource interface {
	Search(ctx context.Context, deviceName string) ([]repairguide.GuideSummary, error)
	GetSteps(ctx context.Context, guideID int64) (*repairguide.RepairDetail, error)
}

// errorPayload is the body of every error result
type errorPayload struct {
	Error *repairguide.OperationError `json:"error"`
}

func newToolResultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// newToolResultFailure converts err into an error result and appends it to the tool error log
func newToolResultFailure(ctx context.Context, logger *logrus.Logger, toolName string, args map[string]any, err error) (*mcp.CallToolResult, error) {
	opErr, ok := repairguide.AsOperationError(err)
	if !ok {
		opErr = &repairguide.OperationError{
			Kind:    repairguide.KindUpstreamUnavailable,
			Message: err.Error(),
		}
	}

	tools.GetGlobalErrorLogger().LogToolError(toolName, args, opErr, tools.TransportFromContext(ctx))

	data, marshalErr := json.Marshal(errorPayload{Error: opErr})
	if marshalErr != nil {
		logger.WithError(marshalErr).Error("Failed to marshal tool error result")
		return mcp.NewToolResultError(opErr.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

func invalidArgument(format string, args ...any) *repairguide.OperationError {
	return &repairguide.OperationError{
		Kind:    repairguide.KindInvalidInput,
		Message: fmt.Sprintf(format, args...),
	}
}
