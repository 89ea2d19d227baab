package registry

import (
	"context"
	"testing"

	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
}

func (s stubTool) Definition() mcp.Tool {
	return mcp.NewTool(s.name, mcp.WithDescription("stub"))
}

func (s stubTool) Execute(context.Context, *logrus.Logger, map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.name), nil
}

type helpfulTool struct {
	stubTool
}

func (helpfulTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{WhenToUse: "always"}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestRegisterAndGetTool(t *testing.T) {
	t.Setenv("DISABLED_TOOLS", "")
	Init(testLogger())

	Register(stubTool{name: "search_device_manual"})

	tool, ok := GetTool("search_device_manual")
	require.True(t, ok)
	assert.Equal(t, "search_device_manual", tool.Definition().Name)

	_, ok = GetTool("missing")
	assert.False(t, ok)
	assert.NotNil(t, GetLogger())
}

func TestDisabledToolsAreNotRegistered(t *testing.T) {
	t.Setenv("DISABLED_TOOLS", " Get-Repair-Steps , ,other")
	Init(testLogger())

	Register(stubTool{name: "search_device_manual"})
	Register(stubTool{name: "get_repair_steps"})

	assert.Equal(t, []string{"search_device_manual"}, GetEnabledToolNames())
	_, ok := GetTool("get_repair_steps")
	assert.False(t, ok)
}

func TestInitResetsRegistry(t *testing.T) {
	t.Setenv("DISABLED_TOOLS", "")
	Init(testLogger())
	Register(stubTool{name: "search_device_manual"})
	require.Len(t, GetEnabledTools(), 1)

	Init(testLogger())
	assert.Empty(t, GetEnabledTools())
}

func TestGetToolNamesWithExtendedHelp(t *testing.T) {
	t.Setenv("DISABLED_TOOLS", "")
	Init(testLogger())

	Register(stubTool{name: "plain"})
	Register(helpfulTool{stubTool{name: "search_device_manual"}})
	Register(helpfulTool{stubTool{name: "get_repair_steps"}})

	assert.Equal(t, []string{"get_repair_steps", "search_device_manual"}, GetToolNamesWithExtendedHelp())
}

func TestGetEnabledToolsReturnsCopy(t *testing.T) {
	t.Setenv("DISABLED_TOOLS", "")
	Init(testLogger())
	Register(stubTool{name: "search_device_manual"})

	copied := GetEnabledTools()
	delete(copied, "search_device_manual")

	_, ok := GetTool("search_device_manual")
	assert.True(t, ok)
}
