package repairguides

import (
	"context"

	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

const searchToolName = "search_device_manual"

// SearchTool finds repair guides for a device
type SearchTool struct {
	source GuideSource
}

// NewSearchTool creates the search_device_manual tool
func NewSearchTool(source GuideSource) *SearchTool {
	return &SearchTool{source: source}
}

// Definition returns the tool's definition for MCP registration
func (t *SearchTool) Definition() mcp.Tool {
	return mcp.NewTool(
		searchToolName,
		mcp.WithDescription(`Searches iFixit for repair guides matching a device name.

Returns a JSON array of guide summaries in relevance order, each with guide_id, title, summary and image_url. An empty array means no guides matched. Pass a guide_id to get_repair_steps to fetch the full instructions.`),
		mcp.WithString("device_name",
			mcp.Required(),
			mcp.Description("Device to search for, e.g. 'iPhone 12', 'MacBook Pro 2015 battery' or 'Nintendo Switch joy-con'"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)
}

// Execute runs the search and returns the summaries as JSON text
func (t *SearchTool) Execute(ctx context.Context, logger *logrus.Logger, args map[string]any) (*mcp.CallToolResult, error) {
	raw, present := args["device_name"]
	if !present || raw == nil {
		return newToolResultFailure(ctx, logger, searchToolName, args, invalidArgument("device_name is required"))
	}
	deviceName, ok := raw.(string)
	if !ok {
		return newToolResultFailure(ctx, logger, searchToolName, args, invalidArgument("device_name must be a string, got %T", raw))
	}

	summaries, err := t.source.Search(ctx, deviceName)
	if err != nil {
		return newToolResultFailure(ctx, logger, searchToolName, args, err)
	}
	return newToolResultJSON(summaries)
}

// ProvideExtendedInfo provides usage examples for the search tool
func (t *SearchTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{
		Examples: []tools.ToolExample{
			{
				Description:    "Find guides for a phone model",
				Arguments:      map[string]any{"device_name": "iPhone 6"},
				ExpectedResult: `[{"guide_id":3032,"title":"iPhone 6 Battery Replacement","summary":"...","image_url":"https://..."}]`,
			},
			{
				Description:    "Narrow the search to a component",
				Arguments:      map[string]any{"device_name": "Pixel 4a screen"},
				ExpectedResult: "Guides for replacing the Pixel 4a display",
			},
		},
		CommonPatterns: []string{
			"Search first, then call get_repair_steps with the most relevant guide_id",
			"Include the component name in device_name to rank part-specific guides higher",
		},
		Troubleshooting: []tools.TroubleshootingTip{
			{
				Problem:  "An empty array is returned",
				Solution: "Try a broader device name such as the product family without the year or storage size",
			},
			{
				Problem:  "upstream_timeout errors",
				Solution: "iFixit responded slowly. Retry later or raise FIXOS_UPSTREAM_TIMEOUT",
			},
		},
		ParameterDetails: map[string]string{
			"device_name": "Free text. Leading and trailing whitespace is ignored; an empty value is rejected without calling iFixit.",
		},
		WhenToUse:    "When a user needs to repair, disassemble or replace a part in a consumer device",
		WhenNotToUse: "For general troubleshooting questions that do not involve a physical repair",
	}
}
