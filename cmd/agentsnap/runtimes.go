package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/cexll/agentsnap/pkg/agent"
	"github.com/cexll/agentsnap/pkg/config"
	"github.com/cexll/agentsnap/pkg/model"
	"github.com/cexll/agentsnap/pkg/model/modeltest"
	"github.com/cexll/agentsnap/pkg/snapshot"
	"github.com/cexll/agentsnap/pkg/snapshot/batch"
	"github.com/cexll/agentsnap/pkg/tool"
	toolbuiltin "github.com/cexll/agentsnap/pkg/tool/builtin"
)

const (
	kindAnthropic = config.ProviderAnthropic
	kindOpenAI    = config.ProviderOpenAI
	kindScripted  = "scripted"
)

// runtimeFactories builds the registry of runtime kinds the CLI understands.
// The live model is only constructed when a case actually needs it. extra
// tools, such as those of MCP servers, are registered on every runtime.
func runtimeFactories(settings *config.Settings, projectRoot string, logger *slog.Logger, extra []tool.Tool) (*batch.Registry, error) {
	build := func(m model.Model, c batch.Case) (snapshot.Runtime, error) {
		return newAgent(m, settings, projectRoot, logger, c, extra)
	}
	reg := batch.NewRegistry()
	err := errors.Join(
		reg.Register(kindAnthropic, func(_ context.Context, c batch.Case) (snapshot.Runtime, error) {
			cfg, err := settings.Model.AnthropicConfig()
			if err != nil {
				return nil, err
			}
			if sys, ok := c.Options["system"].(string); ok {
				cfg.System = sys
			}
			m, err := model.NewAnthropic(cfg)
			if err != nil {
				return nil, err
			}
			return build(m, c)
		}),
		reg.Register(kindOpenAI, func(_ context.Context, c batch.Case) (snapshot.Runtime, error) {
			cfg, err := settings.Model.OpenAIConfig()
			if err != nil {
				return nil, err
			}
			if sys, ok := c.Options["system"].(string); ok {
				cfg.System = sys
			}
			m, err := model.NewOpenAI(cfg)
			if err != nil {
				return nil, err
			}
			return build(m, c)
		}),
		reg.Register(kindScripted, func(_ context.Context, c batch.Case) (snapshot.Runtime, error) {
			turns, err := scriptedTurns(c.Options)
			if err != nil {
				return nil, err
			}
			return build(modeltest.NewScriptedModel(turns...), c)
		}),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func newAgent(m model.Model, settings *config.Settings, projectRoot string, logger *slog.Logger, c batch.Case, extra []tool.Tool) (*agent.Runtime, error) {
	var names []string
	if settings.Model != nil {
		names = settings.Model.Tools
	}
	tools, err := builtinTools(names, projectRoot)
	if err != nil {
		return nil, err
	}
	if err := tools.Register(extra...); err != nil {
		return nil, err
	}
	opts := []agent.Option{
		agent.WithTools(tools),
		agent.WithStreaming(c.Stream),
		agent.WithLogger(logger.With("case", c.Name)),
	}
	if mc := settings.Model; mc != nil {
		if mc.Name != "" {
			opts = append(opts, agent.WithModelName(mc.Name))
		}
		if mc.MaxTokens != nil {
			opts = append(opts, agent.WithMaxTokens(*mc.MaxTokens))
		}
		if mc.System != "" {
			opts = append(opts, agent.WithSystemPrompt(mc.System))
		}
	}
	if sys, ok := c.Options["system"].(string); ok {
		opts = append(opts, agent.WithSystemPrompt(sys))
	}
	if n, ok := c.Options["max_iterations"].(int); ok {
		opts = append(opts, agent.WithMaxIterations(n))
	}
	return agent.New(m, opts...)
}

func builtinTools(names []string, projectRoot string) (*tool.Registry, error) {
	reg := tool.NewRegistry()
	for _, name := range names {
		var t tool.Tool
		switch name {
		case "file":
			t = toolbuiltin.NewFileToolWithRoot(projectRoot)
		case "glob":
			t = toolbuiltin.NewGlobToolWithRoot(projectRoot)
		case "current_time":
			t = toolbuiltin.NewClockTool()
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// scriptTurn is one scripted assistant message read from case options.
type scriptTurn struct {
	Content   string `yaml:"content"`
	ToolCalls []struct {
		ID        string         `yaml:"id"`
		Name      string         `yaml:"name"`
		Arguments map[string]any `yaml:"arguments"`
	} `yaml:"tool_calls"`
}

// scriptedTurns reads either options.reply (a single text turn) or
// options.turns (a list of scriptTurn).
func scriptedTurns(opts map[string]any) ([]modeltest.Response, error) {
	if raw, ok := opts["turns"]; ok {
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("scripted turns: %w", err)
		}
		var turns []scriptTurn
		if err := yaml.Unmarshal(data, &turns); err != nil {
			return nil, fmt.Errorf("scripted turns: %w", err)
		}
		out := make([]modeltest.Response, 0, len(turns))
		for i, t := range turns {
			msg := model.Message{Role: "assistant", Content: t.Content}
			for j, call := range t.ToolCalls {
				if call.Name == "" {
					return nil, fmt.Errorf("scripted turns[%d].tool_calls[%d]: name is required", i, j)
				}
				id := call.ID
				if id == "" {
					id = fmt.Sprintf("call_%d_%d", i+1, j+1)
				}
				msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{ID: id, Name: call.Name, Arguments: call.Arguments})
			}
			out = append(out, modeltest.Response{Message: msg})
		}
		return out, nil
	}
	reply, _ := opts["reply"].(string)
	if reply == "" {
		return nil, errors.New("scripted runtime needs options.reply or options.turns")
	}
	return []modeltest.Response{{Message: model.Message{Role: "assistant", Content: reply}}}, nil
}
