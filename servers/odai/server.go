package odai

import (
	"log/slog"

	"github.com/TangGee/odai-mcp"
)

// Name and Version identify the server in the initialize handshake.
const (
	Name    = "odai-lovelive"
	Version = "0.0.1"
)

// Server serves the Dataset as MCP resources and exposes the get-odai tool backed by a
// Generator. It implements mcp.ResourceServer and mcp.ToolServer.
type Server struct {
	dataset   *Dataset
	generator *Generator
	logger    *slog.Logger
}

// Option represents the options for the Server.
type Option func(*Server)

// NewServer creates a Server bound to dataset and generator.
func NewServer(dataset *Dataset, generator *Generator, options ...Option) *Server {
	s := &Server{
		dataset:   dataset,
		generator: generator,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "odai"))
	}
}

// Info returns the name and version announced to clients.
func Info() mcp.Info {
	return mcp.Info{
		Name:    Name,
		Version: Version,
	}
}
