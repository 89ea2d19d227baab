package repairguides

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

const stepsToolName = "get_repair_steps"

// StepsTool fetches the full instructions for one guide
type StepsTool struct {
	source GuideSource
}

// NewStepsTool creates the get_repair_steps tool
func NewStepsTool(source GuideSource) *StepsTool {
	return &StepsTool{source: source}
}

// Definition returns the tool's definition for MCP registration
func (t *StepsTool) Definition() mcp.Tool {
	return mcp.NewTool(
		stepsToolName,
		mcp.WithDescription(`Fetches the step-by-step instructions for an iFixit repair guide.

Returns JSON with the guide title, difficulty, tools_required, parts_required and an ordered list of steps, each with instructions and image URLs. Use search_device_manual to find a guide_id.`),
		mcp.WithNumber("guide_id",
			mcp.Required(),
			mcp.Description("Positive integer guide id as returned by search_device_manual"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}

// Execute fetches the guide and returns it as JSON text
func (t *StepsTool) Execute(ctx context.Context, logger *logrus.Logger, args map[string]any) (*mcp.CallToolResult, error) {
	guideID, err := parseGuideID(args["guide_id"])
	if err != nil {
		return newToolResultFailure(ctx, logger, stepsToolName, args, err)
	}

	detail, err := t.source.GetSteps(ctx, guideID)
	if err != nil {
		return newToolResultFailure(ctx, logger, stepsToolName, args, err)
	}
	return newToolResultJSON(detail)
}

// parseGuideID accepts integral JSON numbers and numeric strings.
// Range checks are left to the mediator.
func parseGuideID(raw any) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, invalidArgument("guide_id is required")
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.Abs(v) > 1<<53 {
			return 0, invalidArgument("guide_id must be an integer, got %v", v)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return 0, invalidArgument("guide_id must be an integer, got %q", v.String())
		}
		return id, nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, invalidArgument("guide_id must be an integer, got %q", v)
		}
		return id, nil
	default:
		return 0, invalidArgument("guide_id must be an integer, got %T", raw)
	}
}

// ProvideExtendedInfo provides usage examples for the steps tool
func (t *StepsTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{
		Examples: []tools.ToolExample{
			{
				Description:    "Fetch a battery replacement guide",
				Arguments:      map[string]any{"guide_id": 3032},
				ExpectedResult: `{"title":"iPhone 6 Battery Replacement","difficulty":"Moderate","tools_required":["P2 Pentalobe Screwdriver"],"parts_required":["iPhone 6 Battery"],"steps":[...]}`,
			},
		},
		Troubleshooting: []tools.TroubleshootingTip{
			{
				Problem:  "upstream_http_error with http_status 404",
				Solution: "The guide id does not exist. Search again and use an id from the results",
			},
			{
				Problem:  "invalid_input for a decimal id",
				Solution: "guide_id must be a whole number such as 3032",
			},
		},
		ParameterDetails: map[string]string{
			"guide_id": "Whole number greater than zero. Numeric strings such as \"3032\" are accepted.",
		},
		WhenToUse:    "After search_device_manual, to walk the user through a specific repair",
		WhenNotToUse: "To discover guides; use search_device_manual instead",
	}
}
