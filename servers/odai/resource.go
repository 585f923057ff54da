package odai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/TangGee/odai-mcp"
)

const (
	seriesURI            = "lovelive://series"
	charactersURI        = "lovelive://characters"
	themeElementsURI     = "lovelive://theme-elements"
	seriesCharactersURI  = "lovelive://series/{seriesId}/characters"
	seriesIDArgument     = "seriesId"
	jsonMimeType         = "application/json"
	completionValueLimit = 100
)

var seriesCharactersPattern = regexp.MustCompile(`^lovelive://series/([^/]+)/characters$`)

var resourceList = []mcp.Resource{
	{
		URI:         seriesURI,
		Name:        "series-list",
		Description: "List of all Love Live! series with their IDs and names",
		MimeType:    jsonMimeType,
	},
	{
		URI:         charactersURI,
		Name:        "all-characters",
		Description: "List of all Love Live! characters across all series",
		MimeType:    jsonMimeType,
	},
	{
		URI:         themeElementsURI,
		Name:        "theme-elements",
		Description: "Available places, times, actions, and items for odai generation",
		MimeType:    jsonMimeType,
	},
}

var resourceTemplateList = []mcp.ResourceTemplate{
	{
		URITemplate: seriesCharactersURI,
		Name:        "series-characters",
		Description: "Characters from a specific Love Live! series",
		MimeType:    jsonMimeType,
	},
}

type seriesCharacters struct {
	SeriesID   string      `json:"seriesId"`
	Characters []Character `json:"characters"`
}

type themeElements struct {
	Places  []string `json:"places"`
	Times   []string `json:"times"`
	Actions []string `json:"actions"`
	Items   []string `json:"items"`
}

// ListResources implements mcp.ResourceServer interface.
func (s *Server) ListResources(
	context.Context,
	mcp.ListResourcesParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListResourcesResult, error) {
	s.logger.Debug("ListResources")

	return mcp.ListResourcesResult{
		Resources: resourceList,
	}, nil
}

// ReadResource implements mcp.ResourceServer interface.
func (s *Server) ReadResource(
	_ context.Context,
	params mcp.ReadResourceParams,
	_ mcp.ProgressReporter,
	_ mcp.RequestClientFunc,
) (mcp.ReadResourceResult, error) {
	s.logger.Debug("ReadResource", slog.String("uri", params.URI))

	var v any
	switch params.URI {
	case seriesURI:
		v = s.dataset.Series()
	case charactersURI:
		v = s.dataset.Characters()
	case themeElementsURI:
		v = themeElements{
			Places:  s.dataset.Places(),
			Times:   s.dataset.Times(),
			Actions: s.dataset.Actions(),
			Items:   s.dataset.Items(),
		}
	default:
		m := seriesCharactersPattern.FindStringSubmatch(params.URI)
		if m == nil {
			return mcp.ReadResourceResult{}, fmt.Errorf("resource not found: %s", params.URI)
		}
		v = seriesCharacters{
			SeriesID:   m[1],
			Characters: s.dataset.Characters(m[1]),
		}
	}

	text, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.ReadResourceResult{}, fmt.Errorf("failed to marshal resource %s: %w", params.URI, err)
	}

	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			{
				URI:      params.URI,
				MimeType: jsonMimeType,
				Text:     string(text),
			},
		},
	}, nil
}

// ListResourceTemplates implements mcp.ResourceServer interface.
func (s *Server) ListResourceTemplates(
	context.Context,
	mcp.ListResourceTemplatesParams,
	mcp.ProgressReporter,
	mcp.RequestClientFunc,
) (mcp.ListResourceTemplatesResult, error) {
	s.logger.Debug("ListResourceTemplates")

	return mcp.ListResourceTemplatesResult{
		Templates: resourceTemplateList,
	}, nil
}

// CompletesResourceTemplate implements mcp.ResourceServer interface. It completes the seriesId
// argument of the series-characters template with the series IDs starting with the typed value.
func (s *Server) CompletesResourceTemplate(
	_ context.Context,
	params mcp.CompletesCompletionParams,
	_ mcp.RequestClientFunc,
) (mcp.CompletionResult, error) {
	s.logger.Debug("CompletesResourceTemplate",
		slog.String("uri", params.Ref.URI),
		slog.String("argument", params.Argument.Name))

	if params.Ref.URI != seriesCharactersURI {
		return mcp.CompletionResult{}, fmt.Errorf("resource template not found: %s", params.Ref.URI)
	}
	if params.Argument.Name != seriesIDArgument {
		return mcp.CompletionResult{}, fmt.Errorf("unknown argument %q for %s", params.Argument.Name, params.Ref.URI)
	}

	values := make([]string, 0)
	for _, id := range s.dataset.SeriesIDs() {
		if strings.HasPrefix(id, params.Argument.Value) {
			values = append(values, id)
		}
	}

	var result mcp.CompletionResult
	result.Completion.Total = len(values)
	if len(values) > completionValueLimit {
		values = values[:completionValueLimit]
		result.Completion.HasMore = true
	}
	result.Completion.Values = values

	return result, nil
}
