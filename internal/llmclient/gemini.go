package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"

	genai "google.golang.org/genai"

	"codemap/internal/llm"
)

var ErrEmptyResponse = errors.New("llmclient: empty model response")

// GeminiSession is a thin wrapper around the official genai client exposing
// the streaming Session contract. Cross-cutting concerns (rate limiting,
// retries, logging, hooks) are applied via llm.Middleware.
type GeminiSession struct {
	cli   *genai.Client
	model string
}

func NewGeminiSession(ctx context.Context, apiKey, model string) (*GeminiSession, error) {
	cfg := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiSession{cli: cli, model: model}, nil
}

func (g *GeminiSession) Name() string { return "Gemini:" + g.model }
func (g *GeminiSession) Close() error { return nil }

// Open starts one streamed round. A single response chunk may carry several
// function calls; they are forwarded as one batched tool-call event.
func (g *GeminiSession) Open(ctx context.Context, req llm.OpenRequest) (llm.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.InputSchema) > 0 {
				var schema map[string]any
				if err := json.Unmarshal(t.InputSchema, &schema); err == nil {
					fd.ParametersJsonSchema = schema
				}
			}
			decls = append(decls, fd)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		if req.RequireTool {
			cfg.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny},
			}
		}
	}

	seq := g.cli.Models.GenerateContentStream(ctx, g.model, toContents(req.Messages), cfg)
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

func toContents(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		var parts []*genai.Part
		if m.Text != "" {
			parts = append(parts, &genai.Part{Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Args, &args)
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
		}
		for _, tr := range m.ToolResults {
			resp := map[string]any{"output": tr.Content}
			if tr.IsError {
				resp = map[string]any{"error": tr.Content}
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: tr.CallID, Name: tr.Name, Response: resp}})
		}
		if len(parts) == 0 {
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

type geminiStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending []llm.StreamEvent
}

func (s *geminiStream) Recv() (llm.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		resp, err, ok := s.next()
		if !ok {
			return llm.StreamEvent{}, io.EOF
		}
		if err != nil {
			return llm.StreamEvent{}, err
		}
		s.pending = chunkEvents(resp)
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

func chunkEvents(resp *genai.GenerateContentResponse) []llm.StreamEvent {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var events []llm.StreamEvent
	var calls []llm.ToolCall
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		if p.Text != "" {
			events = append(events, llm.StreamEvent{Kind: llm.EventTextDelta, Text: p.Text})
		}
		if p.FunctionCall != nil {
			args, _ := json.Marshal(p.FunctionCall.Args)
			calls = append(calls, llm.ToolCall{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: args})
		}
	}
	if len(calls) > 0 {
		events = append(events, llm.StreamEvent{Kind: llm.EventToolCalls, Calls: calls})
	}
	return events
}
