// Package cli invokes the registered tools directly from the command line,
// without starting an MCP server.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/fixos/fixos-mcp/internal/config"
	"github.com/fixos/fixos-mcp/internal/registry"
	"github.com/fixos/fixos-mcp/internal/repairguide"
	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// OutputFormat controls how tool results are rendered.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates the --output flag value
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputText, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected text or json)", s)
	}
}

// Runner executes CLI commands against the tool registry.
type Runner struct {
	logger *logrus.Logger
	output OutputFormat
	out    io.Writer
}

// NewRunner creates a Runner that writes results to out in the given format.
func NewRunner(logger *logrus.Logger, output OutputFormat, out io.Writer) *Runner {
	return &Runner{logger: logger, output: output, out: out}
}

// ListTools prints all enabled tools with their descriptions.
func (r *Runner) ListTools() error {
	registered := registry.GetEnabledTools()

	type entry struct {
		name string
		desc string
	}
	entries := make([]entry, 0, len(registered))
	for _, t := range registered {
		def := t.Definition()
		entries = append(entries, entry{name: def.Name, desc: firstLine(def.Description)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	if r.output == OutputJSON {
		type jsonEntry struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		out := make([]jsonEntry, len(entries))
		for i, e := range entries {
			out[i] = jsonEntry{Name: e.name, Description: e.desc}
		}
		return writeJSON(r.out, out)
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.name, e.desc)
	}
	return w.Flush()
}

// HelpTool prints the schema and usage information for a single tool.
func (r *Runner) HelpTool(name string) error {
	resolved, found := resolveTool(name)
	if !found {
		return fmt.Errorf("unknown tool: %s", name)
	}
	tool, ok := registry.GetTool(resolved)
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}

	def := tool.Definition()

	if r.output == OutputJSON {
		return writeJSON(r.out, def)
	}

	fmt.Fprintf(r.out, "Tool: %s\n\n", def.Name)
	if def.Description != "" {
		fmt.Fprintf(r.out, "%s\n\n", def.Description)
	}

	props := def.InputSchema.Properties
	required := toSet(def.InputSchema.Required)

	if len(props) == 0 {
		fmt.Fprintln(r.out, "No parameters.")
		return nil
	}

	fmt.Fprintln(r.out, "Parameters:")

	// Sort parameter names for stable output
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for _, pName := range names {
		pVal := props[pName]
		pMap, ok := pVal.(map[string]any)
		if !ok {
			continue
		}

		pType, _ := pMap["type"].(string)
		pDesc, _ := pMap["description"].(string)

		reqMark := ""
		if required[pName] {
			reqMark = " (required)"
		}

		fmt.Fprintf(w, "  --%s\t%s\t%s%s\n", toFlagName(pName), pType, firstLine(pDesc), reqMark)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if provider, ok := tool.(tools.ExtendedHelpProvider); ok {
		r.printExtendedHelp(def.Name, provider.ProvideExtendedInfo())
	}
	return nil
}

func (r *Runner) printExtendedHelp(toolName string, help *tools.ExtendedHelp) {
	if help == nil {
		return
	}
	heading := color.New(color.Bold)

	if help.WhenToUse != "" {
		_, _ = heading.Fprintln(r.out, "\nWhen to use:")
		fmt.Fprintf(r.out, "  %s\n", help.WhenToUse)
	}
	if len(help.Examples) > 0 {
		_, _ = heading.Fprintln(r.out, "\nExamples:")
		for _, ex := range help.Examples {
			args, err := json.Marshal(ex.Arguments)
			if err != nil {
				continue
			}
			fmt.Fprintf(r.out, "  # %s\n  fixos-mcp cli run %s '%s'\n", ex.Description, toolName, args)
		}
	}
	if len(help.Troubleshooting) > 0 {
		_, _ = heading.Fprintln(r.out, "\nTroubleshooting:")
		for _, tip := range help.Troubleshooting {
			fmt.Fprintf(r.out, "  %s: %s\n", tip.Problem, tip.Solution)
		}
	}
}

// RunTool executes a tool by name with the given arguments.
// args can be:
//   - A single JSON string: '{"key": "value"}'
//   - Flag-style arguments: --key=value or --key value
//   - Mixed: --key=value '{"other": "json"}'  (flags take precedence)
func (r *Runner) RunTool(ctx context.Context, name string, args []string) error {
	resolved, found := resolveTool(name)
	if !found {
		return fmt.Errorf("unknown tool: %s (run 'fixos-mcp cli list' to see available tools)", name)
	}
	tool, ok := registry.GetTool(resolved)
	if !ok {
		return fmt.Errorf("unknown tool: %s (run 'fixos-mcp cli list' to see available tools)", name)
	}

	def := tool.Definition()

	params, err := parseArgs(args, def)
	if err != nil {
		return fmt.Errorf("argument error: %w", err)
	}

	result, err := tool.Execute(ctx, r.logger, params)
	if err != nil {
		return fmt.Errorf("tool error: %w", err)
	}

	return r.renderResult(result)
}

// parseArgs converts CLI arguments into a map[string]any suitable for tool.Execute().
// Supports JSON input and --key=value or --key value flags.
func parseArgs(args []string, def mcp.Tool) (map[string]any, error) {
	params := make(map[string]any)

	// Build schema lookups for type coercion and flag→param name resolution
	schema := buildSchemaInfo(def)

	for i := 0; i < len(args); i++ {
		arg := args[i]

		// JSON object argument
		if strings.HasPrefix(arg, "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(arg), &obj); err != nil {
				return nil, fmt.Errorf("invalid JSON argument: %w", err)
			}
			// JSON values merge in (earlier flags take precedence)
			for k, v := range obj {
				if _, exists := params[k]; !exists {
					params[k] = v
				}
			}
			continue
		}

		// Flag-style argument
		if strings.HasPrefix(arg, "--") {
			key, val, err := parseFlag(arg, args, &i, schema)
			if err != nil {
				return nil, err
			}
			params[key] = val
			continue
		}

		return nil, fmt.Errorf("unexpected argument: %s (use --key=value flags or pass a JSON object)", arg)
	}

	return params, nil
}

// schemaInfo holds resolved schema information for argument parsing.
type schemaInfo struct {
	// typeMap maps actual parameter names to their JSON Schema types
	typeMap map[string]string
	// flagToParam maps kebab-case flag names to actual parameter names
	flagToParam map[string]string
}

// parseFlag parses a single --key=value or --key value.
func parseFlag(arg string, args []string, idx *int, schema schemaInfo) (string, any, error) {
	stripped := strings.TrimPrefix(arg, "--")

	// --key=value
	if flagName, rawVal, found := strings.Cut(stripped, "="); found {
		paramName := schema.resolveParam(flagName)
		return paramName, coerceValue(rawVal, schema.typeMap[paramName]), nil
	}

	// --key value
	flagName := stripped
	paramName := schema.resolveParam(flagName)

	*idx++
	if *idx >= len(args) {
		return "", nil, fmt.Errorf("flag --%s requires a value", flagName)
	}
	return paramName, coerceValue(args[*idx], schema.typeMap[paramName]), nil
}

// resolveParam converts a kebab-case flag name to the actual parameter name
// by checking against known schema property names. Falls back to snake_case.
func (s schemaInfo) resolveParam(flagName string) string {
	if actual, ok := s.flagToParam[flagName]; ok {
		return actual
	}
	// Fallback: kebab to snake_case
	return strings.ReplaceAll(flagName, "-", "_")
}

// buildSchemaInfo extracts parameter types and builds a flag→param name mapping
// from the tool definition.
func buildSchemaInfo(def mcp.Tool) schemaInfo {
	info := schemaInfo{
		typeMap:     make(map[string]string, len(def.InputSchema.Properties)),
		flagToParam: make(map[string]string, len(def.InputSchema.Properties)),
	}
	for name, prop := range def.InputSchema.Properties {
		if pm, ok := prop.(map[string]any); ok {
			if t, ok := pm["type"].(string); ok {
				info.typeMap[name] = t
			}
		}
		// Map the kebab-case version of this param name back to the original
		kebab := toFlagName(name)
		info.flagToParam[kebab] = name
	}
	return info
}

// coerceValue converts a flag value to the Go type its JSON Schema type implies.
// Values that do not parse are passed through as strings for the tool to reject.
func coerceValue(raw, schemaType string) any {
	if schemaType != "number" && schemaType != "integer" {
		return raw
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// renderResult formats a CallToolResult for terminal output.
func (r *Runner) renderResult(result *mcp.CallToolResult) error {
	if result == nil {
		return nil
	}

	if r.output == OutputJSON {
		return writeJSON(r.out, result)
	}

	// Text mode: extract text content
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			fmt.Fprintln(r.out, c.Text)
		default:
			// Non-text content: render as JSON
			data, err := json.MarshalIndent(c, "", "  ")
			if err != nil {
				fmt.Fprintf(r.out, "%+v\n", c)
			} else {
				fmt.Fprintln(r.out, string(data))
			}
		}
	}

	if result.IsError {
		return ErrToolFailed
	}
	return nil
}

// ErrToolFailed is returned by RunTool when the tool produced an error result
var ErrToolFailed = errors.New("tool returned an error")

// Searcher is the search half of the repair guide mediator
type Searcher interface {
	Search(ctx context.Context, deviceName string) ([]repairguide.GuideSummary, error)
	Config() config.Upstream
}

// Check runs one search against the upstream API and prints a coloured OK or FAIL line
func (r *Runner) Check(ctx context.Context, source Searcher, deviceName string) error {
	upstream := source.Config()
	target := map[string]any{"base_url": upstream.BaseURL, "timeout": upstream.Timeout.String()}

	start := time.Now()
	summaries, err := source.Search(ctx, deviceName)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		if r.output == OutputJSON {
			_ = writeJSON(r.out, map[string]any{"ok": false, "upstream": target, "error": err, "duration_ms": elapsed.Milliseconds()})
		} else {
			_, _ = color.New(color.FgRed, color.Bold).Fprint(r.out, "FAIL")
			fmt.Fprintf(r.out, " %s search %q: %v (%s, timeout %s)\n", upstream.BaseURL, deviceName, err, elapsed, upstream.Timeout)
		}
		return fmt.Errorf("upstream check failed: %w", err)
	}

	if r.output == OutputJSON {
		return writeJSON(r.out, map[string]any{"ok": true, "upstream": target, "guides": len(summaries), "duration_ms": elapsed.Milliseconds()})
	}
	_, _ = color.New(color.FgGreen, color.Bold).Fprint(r.out, "OK")
	fmt.Fprintf(r.out, " %s search %q returned %d guide(s) in %s (timeout %s)\n", upstream.BaseURL, deviceName, len(summaries), elapsed, upstream.Timeout)
	return nil
}

// resolveTool looks up a tool by name, trying the name as-is first,
// then with hyphens converted to underscores (since CLI users naturally
// type kebab-case but tools are registered with snake_case names).
func resolveTool(name string) (string, bool) {
	if _, ok := registry.GetTool(name); ok {
		return name, true
	}
	// Try kebab → snake_case
	snakeName := strings.ReplaceAll(name, "-", "_")
	if snakeName != name {
		if _, ok := registry.GetTool(snakeName); ok {
			return snakeName, true
		}
	}
	return name, false
}

// --- helpers ---

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if before, _, found := strings.Cut(s, "\n"); found {
		return before
	}
	return s
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// toFlagName converts a snake_case parameter name to a kebab-case flag
func toFlagName(s string) string {
	return strings.ReplaceAll(s, "_", "-")
}
