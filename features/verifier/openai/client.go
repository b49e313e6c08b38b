// Package openai provides an intent.ChatClient backed by the OpenAI
// Chat Completions API.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK used by
	// the verifier. It is satisfied by the SDK's chat completion
	// service so tests can pass a mock.
	CompletionsClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI verifier client.
	Options struct {
		// Model is the chat model identifier. Required.
		Model string
	}

	// Client implements intent.ChatClient on Chat Completions.
	Client struct {
		chat  CompletionsClient
		model string
	}
)

// New builds a verifier client from an OpenAI completions client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{chat: chat, model: opts.Model}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{Model: model})
}

// Complete sends the prompts and returns the first choice text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.chat.New(ctx, sdk.ChatCompletionNewParams{
		Model: c.model,
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(system),
			sdk.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
