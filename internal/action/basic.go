package action

import (
	"context"
)

// Trigger is the entry node. It has no config and always succeeds.
type Trigger struct{}

func (Trigger) Validate(map[string]any) error { return nil }

func (Trigger) Execute(context.Context, Request) (*Output, error) {
	return &Output{Success: true, Message: "Workflow triggered manually"}, nil
}

// AIResponsePlaceholder is returned until a model backend is wired in.
const AIResponsePlaceholder = "AI response placeholder"

// AI echoes its prompts with a placeholder response.
type AI struct{}

func (AI) Validate(config map[string]any) error {
	return requireKeys("ai", config, "systemPrompt", "userPrompt")
}

func (a AI) Execute(_ context.Context, req Request) (*Output, error) {
	if err := a.Validate(req.Config); err != nil {
		return nil, err
	}
	system, _ := configString(req.Config, "systemPrompt")
	user, _ := configString(req.Config, "userPrompt")
	format, ok := configString(req.Config, "outputFormat")
	if !ok {
		format = "text"
	}
	return &Output{
		Success: true,
		Message: "AI agent executed (placeholder)",
		Fields: map[string]any{
			"systemPrompt": system,
			"userPrompt":   user,
			"outputFormat": format,
			"response":     AIResponsePlaceholder,
		},
	}, nil
}
