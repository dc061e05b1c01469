package nlp

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"revuiq/internal/domain"
)

// OpenAIResponder generates candidate replies with an OpenAI chat model.
// Selected with NLP_PROVIDER=openai; annotation still goes through the
// inference service, only response generation is swapped.
type OpenAIResponder struct {
	cli   *openai.Client
	model string
}

func NewOpenAIResponder(apiKey, model string) (*OpenAIResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIResponder{cli: openai.NewClient(apiKey), model: model}, nil
}

// toneFor mirrors the tone policy of the inference service: negative reviews
// get an apologetic reply, positive ones a grateful reply, neutral a
// professional one.
func toneFor(s domain.Sentiment) string {
	switch s {
	case domain.SentimentNegative:
		return "apologetic"
	case domain.SentimentPositive:
		return "grateful"
	default:
		return "professional"
	}
}

func (r *OpenAIResponder) GenerateResponse(ctx context.Context, req domain.GenerationRequest) (domain.GeneratedResponse, error) {
	tone := req.Tone
	if tone == "" {
		tone = toneFor(req.Sentiment)
	}
	business := req.BusinessName
	if business == "" {
		business = "our business"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional customer service representative for %s. ", business)
	fmt.Fprintf(&b, "Write a %s reply to the customer review below.", tone)
	if req.PrimaryEmotion != "" {
		fmt.Fprintf(&b, " The customer's primary emotion is %s.", req.PrimaryEmotion)
	}
	b.WriteString(" Keep it brief (2-3 sentences), professional, and empathetic.\n\nReview: ")
	b.WriteString(req.Text)

	resp, err := r.cli.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		MaxTokens: 180,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return domain.GeneratedResponse{}, fmt.Errorf("openai completion: %v: %w", err, domain.ErrAnnotationUnavailable)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return domain.GeneratedResponse{}, fmt.Errorf("openai returned no content: %w", domain.ErrAnnotationUnavailable)
	}
	return domain.GeneratedResponse{
		Text: strings.TrimSpace(resp.Choices[0].Message.Content),
		Tone: tone,
	}, nil
}

// composite pairs an annotation backend with a response generator so the two
// capabilities can come from different providers.
type composite struct {
	annotate domain.Annotator
	respond  interface {
		GenerateResponse(ctx context.Context, req domain.GenerationRequest) (domain.GeneratedResponse, error)
	}
}

// WithResponder returns an Annotator that annotates with base and generates
// responses with responder.
func WithResponder(base domain.Annotator, responder *OpenAIResponder) domain.Annotator {
	return &composite{annotate: base, respond: responder}
}

func (c *composite) Annotate(ctx context.Context, text string) (domain.Annotation, error) {
	return c.annotate.Annotate(ctx, text)
}

func (c *composite) GenerateResponse(ctx context.Context, req domain.GenerationRequest) (domain.GeneratedResponse, error) {
	return c.respond.GenerateResponse(ctx, req)
}
