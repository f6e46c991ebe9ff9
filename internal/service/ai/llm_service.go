package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/hearthchat/backend/internal/config"
	"github.com/hearthchat/backend/internal/model/chat"
)

// systemInstruction is the fixed instruction sent with every completion request.
const systemInstruction = "You are a helpful, concise conversation partner. " +
	"Answer the user directly, stay grounded in the conversation so far, and keep replies short unless asked otherwise."

// NoResponseText stands in when the model returns a usable but empty reply.
const NoResponseText = "no response"

// historyLimit caps how many prior turns are sent as context.
const historyLimit = 50

// Completer turns a conversation history plus a new user turn into one reply.
type Completer interface {
	Complete(ctx context.Context, history []chat.Message, userText string) (string, error)
}

// Service drives the completion endpoint through an eino prompt chain.
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds the prompt chain on top of the configured chat model.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

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

	return &Service{chatModel: chatModel, chain: runnable}, nil
}

// Complete sends the prior turns and the new user text to the model and
// returns the single full reply. An empty model reply is reported as
// NoResponseText, not as an error.
func (s *Service) Complete(ctx context.Context, history []chat.Message, userText string) (string, error) {
	input := map[string]any{
		"system":  systemInstruction,
		"history": buildHistory(history),
		"query":   userText,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run completion chain: %w", err)
	}

	if response == nil || strings.TrimSpace(response.Content) == "" {
		log.Printf("[ai] model returned no usable reply")
		return NoResponseText, nil
	}

	log.Printf("[ai] generated reply, length=%d", len(response.Content))
	return response.Content, nil
}

// buildHistory reformats persisted messages as alternating user/model turns.
func buildHistory(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	start := 0
	if len(messages) > historyLimit {
		start = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.SenderBot:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return history
}
