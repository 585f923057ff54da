package odai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TangGee/odai-mcp"
	"github.com/qri-io/jsonschema"
)

const getOdaiToolName = "get-odai"

const getOdaiSchemaJSON = `{
  "type": "object",
  "properties": {
    "num": {
      "type": "integer",
      "minimum": 1,
      "maximum": 10,
      "default": 1,
      "description": "Number of characters. Default is 1"
    },
    "seriesIDs": {
      "type": "array",
      "items": { "type": "string", "enum": ["1", "2", "3", "4", "5", "6"] },
      "description": "series ID. Default is all series. 1: μ's, 2: Aqours, 3: 虹ヶ咲, 4: Liella!, 5: 蓮ノ空, 6: イキヅライブ"
    }
  }
}`

var getOdaiSchema = jsonschema.Must(getOdaiSchemaJSON)

var toolList = []mcp.Tool{
	{
		Name:        getOdaiToolName,
		Description: "generate drawing themes(odai) for creating illustrations inspired by Love Live!",
		InputSchema: json.RawMessage(getOdaiSchemaJSON),
	},
}

// GetOdaiArgs is an argument struct for the get-odai tool.
type GetOdaiArgs struct {
	Num       float64  `json:"num"`
	SeriesIDs []string `json:"seriesIDs"`
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListToolsResult, error) {
	s.logger.Debug("ListTools")

	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.CallToolResult, error) {
	s.logger.Debug("CallTool", slog.String("name", params.Name))

	switch params.Name {
	case getOdaiToolName:
		return s.callGetOdai(ctx, params)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func (s *Server) callGetOdai(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	args, err := parseGetOdaiArgs(ctx, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	prompt, err := s.generator.Generate(int(args.Num), args.SeriesIDs)
	if err != nil {
		if errors.Is(err, ErrNoEntitiesAvailable) {
			s.logger.Info("no characters for requested series", slog.Any("seriesIDs", args.SeriesIDs))
		}
		return mcp.CallToolResult{}, fmt.Errorf("failed to generate odai: %w", err)
	}

	text, err := json.Marshal(prompt)
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal odai: %w", err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: string(text),
			},
		},
		IsError: false,
	}, nil
}

func parseGetOdaiArgs(ctx context.Context, raw json.RawMessage) (GetOdaiArgs, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	errs, err := getOdaiSchema.ValidateBytes(ctx, raw)
	if err != nil {
		return GetOdaiArgs{}, fmt.Errorf("params validation failed: %w", err)
	}
	if len(errs) > 0 {
		var errStr []string
		for _, e := range errs {
			errStr = append(errStr, fmt.Sprintf("%s: %s", e.PropertyPath, e.Message))
		}
		return GetOdaiArgs{}, fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}

	var args GetOdaiArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return GetOdaiArgs{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	if args.Num == 0 {
		args.Num = 1
	}
	return args, nil
}
