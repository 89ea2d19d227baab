package telemetry

// Attribute names follow the MCP observability conventions where they exist

const (
	// MCP tool attributes
	AttrMCPToolName    = "mcp.tool.name"           // Tool identifier (e.g., "search_device_manual")
	AttrMCPToolSuccess = "mcp.tool.result.success" // Execution success (boolean)
	AttrMCPToolError   = "mcp.tool.result.error"   // Error message if failed (string)
	AttrMCPTransport   = "mcp.transport"           // Transport type (stdio/http/sse)

	// Upstream repair guide API attributes
	AttrUpstreamOperation = "repairguide.operation"   // "search" or "get_steps"
	AttrUpstreamOutcome   = "repairguide.outcome"     // "ok" or an error kind
	AttrUpstreamStatus    = "http.response.status"    // Upstream HTTP status, when one was received
	AttrUpstreamCount     = "repairguide.result.size" // Number of guides or steps returned
	AttrUpstreamRequestID = "repairguide.request_id"  // Correlates spans with log lines
)

// Span names
const (
	SpanNameToolExecute = "mcp.tool.execute"
	SpanNameUpstream    = "repairguide."
)

// OutcomeOK marks a successful upstream call in spans and metrics
const OutcomeOK = "ok"
