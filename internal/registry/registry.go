package registry

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/sirupsen/logrus"
)

var (
	mu sync.RWMutex

	// toolRegistry maps tool names to implementations
	toolRegistry = make(map[string]tools.Tool)

	// disabledTools is the set of tool names named in DISABLED_TOOLS
	disabledTools = make(map[string]bool)

	logger *logrus.Logger
)

// Init resets the registry and reads DISABLED_TOOLS
func Init(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()

	logger = l
	toolRegistry = make(map[string]tools.Tool)
	parseDisabledTools()
}

// parseDisabledTools reads the comma-separated DISABLED_TOOLS variable. Caller holds mu.
func parseDisabledTools() {
	disabledTools = make(map[string]bool)

	for tool := range strings.SplitSeq(os.Getenv("DISABLED_TOOLS"), ",") {
		tool = normaliseToolName(tool)
		if tool == "" {
			continue
		}
		disabledTools[tool] = true
		if logger != nil {
			logger.WithField("tool", tool).Debug("Tool disabled")
		}
	}
}

// normaliseToolName lets DISABLED_TOOLS use kebab-case or any letter case
func normaliseToolName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
}

func isDisabled(name string) bool {
	return disabledTools[normaliseToolName(name)]
}

// Register adds a tool unless it is disabled
func Register(tool tools.Tool) {
	mu.Lock()
	defer mu.Unlock()

	toolName := tool.Definition().Name
	if isDisabled(toolName) {
		if logger != nil {
			logger.WithField("tool", toolName).Debug("Tool not registered (disabled via DISABLED_TOOLS)")
		}
		return
	}

	toolRegistry[toolName] = tool
	if logger != nil {
		logger.WithField("tool", toolName).Debug("Tool successfully registered")
	}
}

// GetTool retrieves a registered tool by name
func GetTool(name string) (tools.Tool, bool) {
	mu.RLock()
	defer mu.RUnlock()

	tool, ok := toolRegistry[name]
	return tool, ok
}

// GetEnabledTools returns a copy of every registered tool
func GetEnabledTools() map[string]tools.Tool {
	mu.RLock()
	defer mu.RUnlock()

	out := make(map[string]tools.Tool, len(toolRegistry))
	for name, tool := range toolRegistry {
		out[name] = tool
	}
	return out
}

// GetEnabledToolNames returns the sorted names of registered tools
func GetEnabledToolNames() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetToolNamesWithExtendedHelp returns the sorted names of registered tools that provide extended help
func GetToolNamesWithExtendedHelp() []string {
	mu.RLock()
	defer mu.RUnlock()

	var names []string
	for name, tool := range toolRegistry {
		if _, ok := tool.(tools.ExtendedHelpProvider); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}
