package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/response"
)

// Extra keys carried on generated messages.
const (
	ExtraResponseType = "response_type"
	ExtraFollowup     = "followup"
)

// ErrNoUserMessage is returned when the conversation holds no user turn.
var ErrNoUserMessage = errors.New("no user message in conversation")

// Responder answers a single prompt.
type Responder interface {
	ProcessInput(ctx context.Context, input string, modality rule.ResponseType) response.Response
}

type options struct {
	modality rule.ResponseType
}

// WithModality requests an image or text response.
func WithModality(t rule.ResponseType) model.Option {
	return model.WrapImplSpecificOptFn(func(o *options) {
		o.modality = t
	})
}

// ChatModel exposes canned responses through the eino chat model interface,
// so chains built for hosted models run unchanged against the rule set.
type ChatModel struct {
	responder Responder
	logger    *zap.Logger
}

var _ model.ChatModel = (*ChatModel)(nil)

// NewChatModel wraps responder.
func NewChatModel(responder Responder, logger *zap.Logger) *ChatModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatModel{responder: responder, logger: logger}
}

// Generate answers the last user message of input.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	query, err := lastUserContent(input)
	if err != nil {
		return nil, err
	}
	o := model.GetImplSpecificOptions(&options{modality: rule.TypeText}, opts...)

	resp := m.responder.ProcessInput(ctx, query, o.modality)
	m.logger.Debug("canned response generated",
		zap.String("type", string(resp.Type)),
		zap.Int("followups", len(resp.Followup)))

	msg := schema.AssistantMessage(resp.Value, nil)
	msg.Extra = map[string]any{
		ExtraResponseType: string(resp.Type),
		ExtraFollowup:     append([]string{}, resp.Followup...),
	}
	return msg, nil
}

// Stream emits the response word by word. The first chunk carries the
// response metadata; image references are never split.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}

	parts := []string{msg.Content}
	if ResponseFromMessage(msg).Type == rule.TypeText {
		parts = strings.SplitAfter(msg.Content, " ")
	}

	chunks := make([]*schema.Message, 0, len(parts))
	for i, part := range parts {
		chunk := schema.AssistantMessage(part, nil)
		if i == 0 {
			chunk.Extra = msg.Extra
		}
		chunks = append(chunks, chunk)
	}
	return schema.StreamReaderFromArray(chunks), nil
}

// BindTools is a no-op: canned responses never call tools.
func (m *ChatModel) BindTools([]*schema.ToolInfo) error {
	return nil
}

// ResponseFromMessage recovers the response fields from a generated message
// or from the first chunk of a stream.
func ResponseFromMessage(msg *schema.Message) response.Response {
	resp := response.Response{Type: rule.TypeText, Value: msg.Content, Followup: []string{}}
	if t, ok := msg.Extra[ExtraResponseType].(string); ok && rule.ResponseType(t).Valid() {
		resp.Type = rule.ResponseType(t)
	}
	if followup, ok := msg.Extra[ExtraFollowup].([]string); ok {
		resp.Followup = append([]string{}, followup...)
	}
	return resp
}

func lastUserContent(input []*schema.Message) (string, error) {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i] != nil && input[i].Role == schema.User {
			return input[i].Content, nil
		}
	}
	return "", ErrNoUserMessage
}
