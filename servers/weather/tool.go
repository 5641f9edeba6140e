package weather

import (
	"context"
	"fmt"
	"strings"

	mcp "github.com/MegaGrindStone/weather-mcp"
	"github.com/qri-io/jsonschema"
)

// ToolName is the name under which the weather lookup is registered.
const ToolName = "get-weather"

// PromptName is the name of the prompt asking an assistant to use the weather tool.
const PromptName = "check-weather"

var getWeatherSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "city": {
      "type": "string",
      "minLength": 1,
      "description": "The name of the city to get weather information for"
    }
  },
  "required": ["city"]
}`)

var getWeatherTool = mcp.Tool{
	Name:        ToolName,
	Description: "Get the current weather for a city",
	InputSchema: getWeatherSchema,
}

var checkWeatherPrompt = mcp.Prompt{
	Name:        PromptName,
	Description: "Ask for a summary of the current weather in a city",
	Arguments: []mcp.PromptArgument{
		{
			Name:        "city",
			Description: "The name of the city to check weather for",
			Required:    true,
		},
	},
}

func (s *Server) callGetWeather(ctx context.Context, arguments map[string]any) (string, error) {
	vs := getWeatherSchema.Validate(ctx, arguments)
	errs := *vs.Errs
	if len(errs) > 0 {
		var errStr []string
		for _, err := range errs {
			errStr = append(errStr, err.Message)
		}
		return "", fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}

	city, _ := arguments["city"].(string)

	report, err := s.fetcher.Fetch(ctx, city)
	if err != nil {
		return "", fmt.Errorf("error fetching weather data: %w", err)
	}

	return report, nil
}

func (s *Server) getCheckWeather(_ context.Context, arguments map[string]any) (mcp.GetPromptResult, error) {
	city, ok := arguments["city"].(string)
	if !ok || strings.TrimSpace(city) == "" {
		return mcp.GetPromptResult{}, fmt.Errorf("%w: city must be a non-empty string", mcp.ErrInvalidArgument)
	}

	return mcp.GetPromptResult{
		Description: checkWeatherPrompt.Description,
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.Content{
					Type: mcp.ContentTypeText,
					Text: fmt.Sprintf(
						"Please use the %s tool to check the current weather in %s and summarize it for me.",
						ToolName, city),
				},
			},
		},
	}, nil
}
