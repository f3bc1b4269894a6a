package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
)

const systemPrompt = "You are a demo assistant that answers with prepared responses."

// Service runs conversations through a prompt template and chat model chain.
type Service struct {
	chatModel model.BaseChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the chat chain around chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
	}, nil
}

// GenerateResponse answers query in the context of history.
func (s *Service) GenerateResponse(ctx context.Context, history []chat.Message, query string, modality rule.ResponseType) (*schema.Message, error) {
	resp, err := s.chain.Invoke(ctx, buildChainInput(history, query),
		compose.WithChatModelOption(WithModality(modality)))
	if err != nil {
		return nil, fmt.Errorf("failed to run chat chain: %w", err)
	}
	return resp, nil
}

// StreamResponse streams the answer to query.
func (s *Service) StreamResponse(ctx context.Context, history []chat.Message, query string, modality rule.ResponseType) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, buildChainInput(history, query),
		compose.WithChatModelOption(WithModality(modality)))
	if err != nil {
		return nil, fmt.Errorf("failed to stream chat chain output: %w", err)
	}
	return stream, nil
}

func buildChainInput(history []chat.Message, query string) map[string]any {
	return map[string]any{
		"system":  systemPrompt,
		"history": buildHistoryMessages(history),
		"query":   query,
	}
}

func buildHistoryMessages(history []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Type {
		case chat.MessageUser:
			out = append(out, schema.UserMessage(m.Content))
		case chat.MessageAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case chat.MessageSystem:
			out = append(out, schema.SystemMessage(m.Content))
		}
	}
	return out
}
