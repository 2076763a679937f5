package analysis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const foodPrompt = `Analyze the food in this image and estimate its nutritional content for one serving.

Respond with a JSON object and nothing else. Populate exactly one of "productInfo" or "error".
If the image does not show food, set "error" to a short explanation.
{
	"productInfo": {
		"name": "string",
		"calories": number,
		"protein": number,
		"carbs": number,
		"fat": number,
		"healthScore": number from 1 to 10,
		"ingredients": ["string"],
		"warnings": ["string"],
		"recommendations": ["string"],
		"servingSize": "string",
		"vitamins": ["string"],
		"minerals": ["string"],
		"dietary": {"vegan": bool, "vegetarian": bool, "glutenFree": bool, "dairyFree": bool}
	},
	"error": "string"
}`

var (
	codeFenceRegex = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\n?```")
	objectRegex    = regexp.MustCompile(`(?s)\{.*\}`)
)

// envelope is the response shape shared by the HTTP capability and the
// model prompts
type envelope struct {
	ProductInfo *ProductInfo `json:"productInfo"`
	Error       string       `json:"error"`
}

func (e *envelope) result() (*ProductInfo, error) {
	if e.Error != "" {
		return nil, &RemoteError{Message: e.Error}
	}
	if e.ProductInfo == nil {
		return nil, ErrMalformedResponse
	}
	return e.ProductInfo, nil
}

// parseModelResponse extracts the envelope from model output that may be
// wrapped in code fences or surrounded by prose
func parseModelResponse(text string) (*ProductInfo, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty model output", ErrMalformedResponse)
	}

	candidates := []string{trimmed}
	if m := codeFenceRegex.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := objectRegex.FindString(trimmed); m != "" {
		candidates = append(candidates, m)
	}

	var lastErr error
	for _, c := range candidates {
		var env envelope
		if err := json.Unmarshal([]byte(c), &env); err != nil {
			lastErr = err
			continue
		}
		return env.result()
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, lastErr)
}
