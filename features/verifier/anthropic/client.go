// Package anthropic provides an intent.ChatClient backed by the
// Anthropic Claude Messages API. It sends the verifier's system and
// user prompts as one non-streaming message and returns the
// concatenated text blocks.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by
	// the verifier. It is satisfied by *sdk.MessageService so tests can
	// pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic verifier client.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string
		// MaxTokens caps the verdict completion. Verdicts are small
		// JSON documents; the default of 1024 is ample.
		MaxTokens int64
		// Temperature defaults to zero for deterministic verdicts.
		Temperature float64
	}

	// Client implements intent.ChatClient on Claude Messages.
	Client struct {
		msg   MessagesClient
		model string
		max   int64
		temp  float64
	}
)

const defaultMaxTokens = 1024

// New builds a verifier client from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	max := opts.MaxTokens
	if max <= 0 {
		max = defaultMaxTokens
	}
	return &Client{msg: msg, model: opts.Model, max: max, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Complete sends the prompts and returns the model text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.max,
		System:    []sdk.TextBlockParam{{Text: system}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
