package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/johndauphine/sqlconv/internal/fault"
)

// Claude API types
type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) queryClaude(ctx context.Context, url string, r Request, p Params) (string, error) {
	jsonBody, err := json.Marshal(claudeRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		System:      r.Prompt,
		Messages:    []claudeMessage{{Role: "user", Content: r.Source}},
	})
	if err != nil {
		return "", fault.Content("marshaling request: %v", err)
	}

	status, body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", c.provider.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if err := checkStatus(status, body); err != nil {
		return "", err
	}

	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fault.Content("parsing response: %v", err)
	}
	if resp.Error != nil {
		return "", fault.Content("API error: %s", resp.Error.Message)
	}
	if resp.StopReason == "max_tokens" {
		return "", fault.Content("response truncated at max_tokens=%d", p.MaxTokens)
	}

	var sb bytes.Buffer
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// OpenAI API types, also spoken by Ollama and LM Studio.
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Options     map[string]any  `json:"options,omitempty"` // Ollama's num_ctx
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) queryOpenAICompat(ctx context.Context, url string, r Request, p Params) (string, error) {
	reqBody := openAIRequest{
		Model: p.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: r.Prompt},
			{Role: "user", Content: r.Source},
		},
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
	if c.providerName == ProviderOllama {
		reqBody.Options = map[string]any{
			"num_ctx": c.provider.GetEffectiveContextWindow(),
		}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fault.Content("marshaling request: %v", err)
	}

	status, body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.provider.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.provider.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if err := checkStatus(status, body); err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fault.Content("parsing response: %v", err)
	}
	if resp.Error != nil {
		return "", fault.Content("API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fault.Content("response has no choices")
	}
	if resp.Choices[0].FinishReason == "length" {
		return "", fault.Content("response truncated at max_tokens=%d", p.MaxTokens)
	}
	return resp.Choices[0].Message.Content, nil
}

// Gemini API types
type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) queryGemini(ctx context.Context, url string, r Request, p Params) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: r.Source}}}},
		GenerationConfig: geminiGenConfig{
			MaxOutputTokens: p.MaxTokens,
			Temperature:     p.Temperature,
		},
	}
	if r.Prompt != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: r.Prompt}}}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fault.Content("marshaling request: %v", err)
	}

	status, body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", c.provider.APIKey)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	if err := checkStatus(status, body); err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fault.Content("parsing response: %v", err)
	}
	if resp.Error != nil {
		return "", fault.Content("API error: %s", resp.Error.Message)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fault.Content("response has no candidates")
	}
	if resp.Candidates[0].FinishReason == "MAX_TOKENS" {
		return "", fault.Content("response truncated at max_tokens=%d", p.MaxTokens)
	}

	var sb bytes.Buffer
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
