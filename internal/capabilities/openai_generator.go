// Package capabilities – answer generation via OpenAI chat completions.
//
// ChatGenerator implements the Generator port on top of the OpenAI API.
// Prompt assembly mirrors the guidance style of the product: the system
// instruction frames the assistant as a dog-care expert, and the user
// message is assembled from the dog's detected facts, the retrieved
// passages, and the recent conversation window.
package capabilities

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// systemPrompt frames every generation call.
const systemPrompt = `You are an expert AI dog care assistant. Provide helpful, accurate, and personalized advice about dog care, health, nutrition, and behavior. Always prioritize the dog's safety and wellbeing.

Guidelines:
- For health concerns, always recommend consulting a veterinarian for anything serious.
- Provide practical, actionable advice.
- Use the provided context to give specific, relevant information.
- Personalize responses based on the dog's breed when known.
- Keep responses concise but informative.`

// chatCompleter is the slice of the OpenAI client the generator needs;
// narrowed for testability.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ChatGenerator generates answers with an OpenAI chat model.
type ChatGenerator struct {
	client      chatCompleter
	model       string
	maxTokens   int
	temperature float32
}

// NewChatGenerator constructs a generator for the given API key and model.
// An empty model falls back to gpt-4o-mini.
func NewChatGenerator(apiKey, model string, maxTokens int, temperature float32) *ChatGenerator {
	if model == "" {
		model = openai.GPT4oMini
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &ChatGenerator{
		client:      openai.NewClient(apiKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

// Generate synthesizes an answer for query, personalized with the session
// context and grounded on the retrieved passages.
func (g *ChatGenerator) Generate(ctx context.Context, query string, sess SessionContext, passages []Passage) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(query, sess, passages)},
		},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Op: "generate", Kind: FailureMalformedResult, Err: fmt.Errorf("no choices in completion")}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &Error{Op: "generate", Kind: FailureMalformedResult, Err: fmt.Errorf("empty completion")}
	}
	return text, nil
}

// BuildPrompt assembles the user message for a generation call. Exported
// for tests; the layout is stable so prompt regressions are caught.
func BuildPrompt(query string, sess SessionContext, passages []Passage) string {
	var b strings.Builder

	if sess.DogBreed != "" {
		b.WriteString("USER'S DOG:\n")
		fmt.Fprintf(&b, "- Breed: %s\n", sess.DogBreed)
		if sess.HealthCondition != "" {
			fmt.Fprintf(&b, "- Recent health condition: %s\n", sess.HealthCondition)
		}
		b.WriteString("\n")
	}

	if len(passages) > 0 {
		b.WriteString("RELEVANT INFORMATION:\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "%d. %s\n", i+1, p.Text)
		}
		b.WriteString("\n")
	}

	if len(sess.History) > 0 {
		b.WriteString("RECENT CONVERSATION:\n")
		for _, line := range sess.History {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "USER'S QUESTION: %s", query)
	return b.String()
}

// classifyOpenAIError maps OpenAI client failures onto the capability
// failure taxonomy.
func classifyOpenAIError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return &Error{Op: "generate", Kind: FailureCapacity, Err: err}
		default:
			return &Error{Op: "generate", Kind: FailureMalformedResult, Err: err}
		}
	}
	return wrap("generate", FailureTimeout, err)
}
