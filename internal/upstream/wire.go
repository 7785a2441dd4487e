package upstream

import (
	"encoding/json"
	"strings"

	"github.com/agentoven/adjudicator/pkg/models"
)

// Output item types emitted by the upstream.
const (
	itemMessage        = "message"
	itemCapabilityCall = "capability_call"
	contentOutputText  = "output_text"
)

type turnRequest struct {
	Model         string          `json:"model"`
	Input         json.RawMessage `json:"input"`
	Instructions  string          `json:"instructions,omitempty"`
	Tools         []wireTool      `json:"tools,omitempty"`
	PreviousToken string          `json:"previous_token,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream"`
	Store         bool            `json:"store"`
}

type wireTool struct {
	ServerLabel string   `json:"server_label"`
	ServerURL   string   `json:"server_url"`
	Type        string   `json:"type"`
	Allowed     []string `json:"allowed"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type turnResponse struct {
	ID     string       `json:"id"`
	Output []outputItem `json:"output"`
	Usage  wireUsage    `json:"usage"`
}

type outputItem struct {
	Type        string          `json:"type"`
	Content     []outputContent `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
	ServerLabel string          `json:"server_label,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

type outputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// encodeRequest maps a TurnRequest onto the wire format. A single user
// message is sent as a bare string, anything else as a message sequence.
func encodeRequest(req *models.TurnRequest) turnRequest {
	out := turnRequest{
		Model:         req.Model,
		Instructions:  req.Instructions,
		PreviousToken: req.ContinuationToken,
		MaxIterations: req.MaxToolIterations,
		MaxTokens:     req.MaxOutputTokens,
		Stream:        false,
		Store:         true,
	}

	if len(req.Input) == 1 && (req.Input[0].Role == "" || req.Input[0].Role == "user") {
		out.Input, _ = json.Marshal(req.Input[0].Content)
	} else {
		msgs := make([]wireMessage, 0, len(req.Input))
		for _, m := range req.Input {
			role := m.Role
			if role == "" {
				role = "user"
			}
			msgs = append(msgs, wireMessage{Role: role, Content: m.Content})
		}
		out.Input, _ = json.Marshal(msgs)
	}

	for _, g := range req.Manifest {
		out.Tools = append(out.Tools, wireTool{
			ServerLabel: g.ServerLabel,
			ServerURL:   g.ServerURL,
			Type:        g.Type,
			Allowed:     g.Allowed,
		})
	}
	return out
}

// decodeResponse builds the canonical TurnResult. Every assistant text
// segment of the whole output is kept, in emission order, separated by a
// blank line.
func decodeResponse(resp *turnResponse) *models.TurnResult {
	result := &models.TurnResult{
		ContinuationToken: resp.ID,
		Invocations:       []models.InvocationRecord{},
		Usage: models.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if result.Usage.TotalTokens == 0 {
		result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	}

	var segments []string
	for _, item := range resp.Output {
		switch item.Type {
		case itemMessage:
			for _, c := range item.Content {
				if c.Type != contentOutputText {
					continue
				}
				if t := strings.TrimSpace(c.Text); t != "" {
					segments = append(segments, t)
				}
			}
		case itemCapabilityCall:
			rec := models.InvocationRecord{
				Name:     item.Name,
				Endpoint: item.ServerLabel,
				Text:     rawText(item.Arguments),
			}
			if errText := rawText(item.Error); errText != "" {
				rec.Error = errText
			} else {
				rec.Output = rawText(item.Output)
			}
			result.Invocations = append(result.Invocations, rec)
		}
	}
	result.Text = strings.Join(segments, "\n\n")
	return result
}

// rawText renders a JSON value as text: strings are unquoted, null is empty,
// anything else keeps its JSON form.
func rawText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}
