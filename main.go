package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	fixoscli "github.com/fixos/fixos-mcp/internal/cli"
	"github.com/fixos/fixos-mcp/internal/config"
	"github.com/fixos/fixos-mcp/internal/registry"
	"github.com/fixos/fixos-mcp/internal/repairguide"
	"github.com/fixos/fixos-mcp/internal/telemetry"
	"github.com/fixos/fixos-mcp/internal/tools"
	"github.com/fixos/fixos-mcp/internal/tools/repairguides"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// Version information (set during build)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Global resources that need cleanup.
// Atomic so signal-driven shutdown and normal exit do not race.
var (
	debugLogFile     atomic.Pointer[os.File]
	isStdioMode      atomic.Bool
	telemetryCleanup atomic.Pointer[func()]
)

const (
	appName = "fixos-mcp"

	defaultCheckDevice = "iPhone"
	shutdownTimeout    = 30 * time.Second
	heartbeatInterval  = 30 * time.Second
)

// parseLogLevel parses LOG_LEVEL, defaulting to warn
func parseLogLevel() logrus.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "trace", "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.WarnLevel
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Nothing may reach stdout before the transport is known
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(parseLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// A missing .env is normal; values already in the environment win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WithError(err).Debug("Failed to load .env file")
	}

	registry.Init(logger)
	defer performCleanup(logger)

	app := newApp(logger)
	if err := app.Run(ctx, os.Args); err != nil {
		// stdout and stderr belong to the protocol in stdio mode
		if !isStdioMode.Load() {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		performCleanup(logger)
		os.Exit(1)
	}
}

func newApp(logger *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:    appName,
		Usage:   "MCP server for iFixit repair guides",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "transport",
				Aliases: []string{"t"},
				Value:   "stdio",
				Usage:   "Transport type (stdio, sse, or http)",
			},
			&cli.StringFlag{
				Name:  "port",
				Value: "18080",
				Usage: "Port to use for HTTP transports (SSE and Streamable HTTP)",
			},
			&cli.StringFlag{
				Name:  "base-url",
				Value: "http://localhost",
				Usage: "Base URL for HTTP transports",
			},
			&cli.StringFlag{
				Name:  "endpoint-path",
				Value: "/http",
				Usage: "Endpoint path for Streamable HTTP transport",
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to YAML configuration file (default: ~/.fixos-mcp/config.yaml)",
				Sources: cli.EnvVars(config.ConfigPathEnvVar),
			},
			&cli.StringFlag{
				Name:    "upstream-url",
				Usage:   "Base URL of the iFixit API",
				Sources: cli.EnvVars("FIXOS_UPSTREAM_URL"),
			},
			&cli.DurationFlag{
				Name:    "upstream-timeout",
				Usage:   "Deadline for each upstream request",
				Sources: cli.EnvVars("FIXOS_UPSTREAM_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "user-agent",
				Usage:   "User-Agent sent to the iFixit API",
				Sources: cli.EnvVars("FIXOS_USER_AGENT"),
			},
			&cli.IntFlag{
				Name:    "search-limit",
				Usage:   "Maximum number of guides returned by a search (1-100)",
				Sources: cli.EnvVars("FIXOS_SEARCH_LIMIT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Printf("%s version %s\n", appName, Version)
					fmt.Printf("Commit: %s\n", Commit)
					fmt.Printf("Built: %s\n", BuildDate)
					return nil
				},
			},
			{
				Name:  "check",
				Usage: "Run one search against the iFixit API and report whether it succeeded",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "device",
						Value: defaultCheckDevice,
						Usage: "Device name to search for",
					},
					&cli.StringFlag{
						Name:  "output",
						Value: string(fixoscli.OutputText),
						Usage: "Output format (text or json)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					configureLogging(logger, false)
					runner, mediator, err := newRunner(cmd, logger)
					if err != nil {
						return err
					}
					return runner.Check(ctx, mediator, cmd.String("device"))
				},
			},
			newCLICommand(logger),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, cmd, logger)
		},
	}
}

// newCLICommand builds the "cli" subcommand tree for invoking tools without a server
func newCLICommand(logger *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "cli",
		Usage: "Invoke tools directly without starting an MCP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "output",
				Value: string(fixoscli.OutputText),
				Usage: "Output format (text or json)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			configureLogging(logger, false)
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List available tools",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					runner, _, err := newRunner(cmd, logger)
					if err != nil {
						return err
					}
					return runner.ListTools()
				},
			},
			{
				Name:      "help",
				Usage:     "Show parameters and examples for a tool",
				ArgsUsage: "<tool>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() != 1 {
						return fmt.Errorf("expected exactly one tool name")
					}
					runner, _, err := newRunner(cmd, logger)
					if err != nil {
						return err
					}
					return runner.HelpTool(cmd.Args().First())
				},
			},
			{
				Name:            "run",
				Usage:           "Run a tool with --key=value flags or a JSON object",
				ArgsUsage:       "<tool> [--key=value ...] ['{\"key\": \"value\"}']",
				SkipFlagParsing: true,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() < 1 {
						return fmt.Errorf("expected a tool name")
					}
					runner, _, err := newRunner(cmd, logger)
					if err != nil {
						return err
					}
					return runner.RunTool(ctx, cmd.Args().First(), cmd.Args().Tail())
				},
			},
		},
	}
}

// newRunner builds the mediator, registers the tools and returns a CLI runner writing to stdout
func newRunner(cmd *cli.Command, logger *logrus.Logger) (*fixoscli.Runner, *repairguide.Mediator, error) {
	output, err := fixoscli.ParseOutputFormat(cmd.String("output"))
	if err != nil {
		return nil, nil, err
	}

	mediator, err := newMediator(cmd, logger)
	if err != nil {
		return nil, nil, err
	}
	registerTools(mediator)

	return fixoscli.NewRunner(logger, output, os.Stdout), mediator, nil
}

// upstreamConfig merges the config file with environment and flag overrides.
// Env vars reach us through the flags' sources, so IsSet covers both.
func upstreamConfig(cmd *cli.Command) (config.Upstream, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Upstream{}, err
	}
	upstream := cfg.Upstream

	if cmd.IsSet("upstream-url") {
		upstream.BaseURL = cmd.String("upstream-url")
	}
	if cmd.IsSet("upstream-timeout") {
		upstream.Timeout = cmd.Duration("upstream-timeout")
	}
	if cmd.IsSet("user-agent") {
		upstream.UserAgent = cmd.String("user-agent")
	}
	if cmd.IsSet("search-limit") {
		upstream.SearchLimit = int(cmd.Int("search-limit"))
	}

	if err := upstream.Validate(); err != nil {
		return config.Upstream{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return upstream, nil
}

func newMediator(cmd *cli.Command, logger *logrus.Logger) (*repairguide.Mediator, error) {
	upstream, err := upstreamConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"base_url":     upstream.BaseURL,
		"timeout":      upstream.Timeout.String(),
		"search_limit": upstream.SearchLimit,
	}).Debug("Upstream configured")

	return repairguide.NewMediator(upstream, logger)
}

func registerTools(source repairguides.GuideSource) {
	registry.Register(repairguides.NewSearchTool(source))
	registry.Register(repairguides.NewStepsTool(source))
}

func runServer(ctx context.Context, cmd *cli.Command, logger *logrus.Logger) error {
	transport := cmd.String("transport")
	port := cmd.String("port")
	baseURL := cmd.String("base-url")

	isStdioMode.Store(transport == "stdio")
	configureLogging(logger, isStdioMode.Load())

	if err := tools.InitGlobalErrorLogger(logger); err != nil {
		logger.WithError(err).Warn("Failed to initialise tool error logger")
	}
	initTelemetry(logger)

	if transport != "stdio" {
		logger.Infof("Starting %s version %s (commit: %s, built: %s)", appName, Version, Commit, BuildDate)
	}

	mediator, err := newMediator(cmd, logger)
	if err != nil {
		return err
	}
	registerTools(mediator)

	mcpSrv := newMCPServer(logger, transport)

	logger.WithField("transport", transport).Debug("Starting server")
	switch transport {
	case "stdio":
		return mcpserver.ServeStdio(mcpSrv)
	case "sse":
		logger.WithField("port", port).Info("Starting SSE server")
		sseServer := mcpserver.NewSSEServer(mcpSrv, mcpserver.WithBaseURL(baseURL+":"+port))
		return serveUntilDone(ctx, logger, func() error {
			return sseServer.Start(":" + port)
		}, sseServer.Shutdown)
	case "http":
		return startStreamableHTTPServer(ctx, cmd, mcpSrv, logger)
	default:
		return fmt.Errorf("unsupported transport: %s", transport)
	}
}

// newMCPServer creates the MCP server and binds every registered tool to it
func newMCPServer(logger *logrus.Logger, transport string) *mcpserver.MCPServer {
	mcpSrv := mcpserver.NewMCPServer(appName, Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)

	enabledTools := registry.GetEnabledTools()
	logger.WithField("tool_count", len(enabledTools)).Debug("MCP server created, registering tools")

	for name, tool := range enabledTools {
		if transport != "stdio" {
			logger.Infof("Registering tool: %s", name)
		}
		mcpSrv.AddTool(tool.Definition(), toolHandler(name, tool, transport, logger))
	}
	return mcpSrv
}

// toolHandler adapts a Tool to the MCP handler signature, adding tracing, metrics and error logging
func toolHandler(name string, tool tools.Tool, transport string, logger *logrus.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		ctx = tools.WithTransport(ctx, transport)
		ctx, span := telemetry.StartToolSpan(ctx, name, transport, args)
		start := time.Now()

		result, err := tool.Execute(ctx, registry.GetLogger(), args)

		failure := ""
		switch {
		case err != nil:
			failure = err.Error()
		case result != nil && result.IsError:
			failure = resultText(result)
		}
		telemetry.EndToolSpan(span, failure)
		telemetry.RecordToolCall(ctx, name, failure == "", time.Since(start))

		if err != nil {
			logger.WithError(err).WithField("tool", name).Error("Tool execution failed")
			tools.GetGlobalErrorLogger().LogToolError(name, args, err, transport)
			return nil, fmt.Errorf("tool execution failed: %w", err)
		}
		return result, nil
	}
}

func resultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return "error result"
}

// startStreamableHTTPServer serves the Streamable HTTP transport with graceful shutdown
func startStreamableHTTPServer(ctx context.Context, cmd *cli.Command, mcpSrv *mcpserver.MCPServer, logger *logrus.Logger) error {
	port := cmd.String("port")
	endpointPath := cmd.String("endpoint-path")

	logger.Infof("Starting Streamable HTTP server on port %s with endpoint %s", port, endpointPath)

	streamable := mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithEndpointPath(endpointPath),
		mcpserver.WithHeartbeatInterval(heartbeatInterval),
		mcpserver.WithLogger(&logrusAdapter{logger: logger}),
	)

	mux := http.NewServeMux()
	mux.Handle(endpointPath, streamable)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return serveUntilDone(ctx, logger, func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, server.Shutdown)
}

// serveUntilDone runs serve until it fails or ctx is cancelled, then calls shutdown
func serveUntilDone(ctx context.Context, logger *logrus.Logger, serve func() error, shutdown func(context.Context) error) error {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- serve()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// effectiveLogLevel keeps warnings in the stdio log file even when LOG_LEVEL asks for less
func effectiveLogLevel(level logrus.Level, stdio bool) logrus.Level {
	if stdio && level < logrus.WarnLevel {
		return logrus.WarnLevel
	}
	return level
}

// configureLogging sends logs to ~/.fixos-mcp/logs/fixos-mcp.log.
// When the file cannot be opened, stdio mode discards logs and other modes use stderr.
func configureLogging(logger *logrus.Logger, stdio bool) {
	level := effectiveLogLevel(parseLogLevel(), stdio)
	logger.SetLevel(level)
	logrus.SetLevel(level)

	file, err := openLogFile()
	if err != nil {
		fallback := io.Writer(os.Stderr)
		if stdio {
			fallback = io.Discard
		}
		logger.SetOutput(fallback)
		logrus.SetOutput(fallback)
		logger.WithError(err).Debug("File logging unavailable")
		return
	}

	if previous := debugLogFile.Swap(file); previous != nil {
		_ = previous.Close()
	}
	logger.SetOutput(file)
	logrus.SetOutput(file)
	logger.WithField("level", level.String()).Debug("Logging configured")
}

func openLogFile() (*os.File, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	logDir := filepath.Join(homeDir, ".fixos-mcp", "logs")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return os.OpenFile(filepath.Join(logDir, appName+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// initTelemetry starts tracing and metrics when OTEL_EXPORTER_OTLP_ENDPOINT is set
func initTelemetry(logger *logrus.Logger) {
	shutdownTracer, err := telemetry.InitTracer(logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialise tracing")
	}
	shutdownMetrics, err := telemetry.InitMetrics(logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialise metrics")
	}

	cleanup := func() {
		if shutdownMetrics != nil {
			_ = shutdownMetrics()
		}
		if shutdownTracer != nil {
			_ = shutdownTracer()
		}
	}
	telemetryCleanup.Store(&cleanup)
}

// performCleanup flushes telemetry and closes log files. Safe to call more than once.
func performCleanup(logger *logrus.Logger) {
	if cleanup := telemetryCleanup.Swap(nil); cleanup != nil {
		(*cleanup)()
	}

	if err := tools.GetGlobalErrorLogger().Close(); err != nil {
		logger.WithError(err).Warn("Failed to close tool error logger")
	}

	if file := debugLogFile.Swap(nil); file != nil {
		logger.SetOutput(io.Discard)
		logrus.SetOutput(io.Discard)
		_ = file.Close()
	}
}

// logrusAdapter adapts logrus.Logger to the mcp-go util.Logger interface
type logrusAdapter struct {
	logger *logrus.Logger
}

func (l *logrusAdapter) Infof(format string, args ...any) {
	l.logger.Infof(format, args...)
}

func (l *logrusAdapter) Errorf(format string, args ...any) {
	l.logger.Errorf(format, args...)
}
