package main

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Failure kinds the API distinguishes. Per-model call failures are not Go
// errors at all; they are recorded inline on the stage records.
var (
	// ErrValidation marks a malformed or incomplete request.
	ErrValidation = errors.New("invalid request")

	// ErrConversationNotFound marks a conversation ID that does not
	// resolve (or is owned by another client).
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound marks a message index that does not resolve.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotRegenerable marks a message without completed stage 1 and
	// stage 2 data.
	ErrNotRegenerable = errors.New("message has no completed stage1/stage2 data")
)

// Message represents a single message in a conversation
type Message struct {
	Role        string           `json:"role"`
	Content     string           `json:"content,omitempty"`
	QuotedItems []QuotedItem     `json:"quoted_items,omitempty"`
	Files       []FileAttachment `json:"files,omitempty"`
	Stage1      []Stage1Response `json:"stage1,omitempty"`
	Stage2      []Stage2Ranking  `json:"stage2,omitempty"`
	Stage3      *Stage3Response  `json:"stage3,omitempty"`
	Metadata    *Metadata        `json:"metadata,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	ClientID  string    `json:"client_id,omitempty"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// QuotedItem is a snippet of an earlier council answer the user quoted in a
// follow-up question.
type QuotedItem struct {
	Stage       int    `json:"stage"`
	AnswerIndex int    `json:"answerIndex"`
	Content     string `json:"content"`
}

// FileAttachment is a text file attached to a message.
type FileAttachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Stage1Response represents a single model's answer in Stage 1.
// Response and Error are mutually exclusive.
type Stage1Response struct {
	Model    string `json:"model"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the model produced an answer.
func (r Stage1Response) OK() bool { return r.Error == "" }

// RankedItem is one entry of a reviewer's ranking: an anonymized label and
// the reviewer's justification for placing it there.
type RankedItem struct {
	Label  string `json:"label"`
	Reason string `json:"reason,omitempty"`
}

// Stage2Ranking represents a model's ranking of the anonymized answers.
// Ranking holds the reviewer's raw text; Parsed holds the extracted order.
// Error is set when the call or the ranking parse failed.
type Stage2Ranking struct {
	Model   string       `json:"model"`
	Ranking string       `json:"ranking,omitempty"`
	Parsed  []RankedItem `json:"parsed_ranking,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// OK reports whether the reviewer produced a usable ranking.
func (r Stage2Ranking) OK() bool { return r.Error == "" }

// Stage3Response represents the chairman's final synthesis.
// Response and Error are mutually exclusive.
type Stage3Response struct {
	Model    string `json:"model"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the chairman produced an answer.
func (r Stage3Response) OK() bool { return r.Error == "" }

// AggregateRanking represents the cross-reviewer aggregate for one model.
// AverageRank is 1-indexed, lower is better. Reviewers supply no explicit
// scores, so AverageScore mirrors AverageRank.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	AverageScore  float64 `json:"average_score"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata contains additional information about the council process
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// OpenRouterMessage represents a message for OpenRouter API
type OpenRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenRouterRequest represents a request to OpenRouter API
type OpenRouterRequest struct {
	Model       string              `json:"model"`
	Messages    []OpenRouterMessage `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

// OpenRouterResponse represents a response from OpenRouter API
type OpenRouterResponse struct {
	Content          string      `json:"content"`
	ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
}

// OpenRouterAPIResponse represents the full API response structure
type OpenRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

// SendMessageRequest represents a request to send a message. Everything
// beyond Content is optional and falls back to server configuration.
type SendMessageRequest struct {
	Content       string           `json:"content"`
	QuotedItems   []QuotedItem     `json:"quoted_items"`
	Files         []FileAttachment `json:"files"`
	APIKey        string           `json:"api_key"`
	CouncilModels []string         `json:"council_models"`
	ChairmanModel string           `json:"chairman_model"`
}

// CouncilRequest is the validated, fully resolved input to the pipeline.
// The pipeline reads nothing from globals once this is built, so the core
// stays stateless with respect to the caller.
type CouncilRequest struct {
	Query          string
	QuotedItems    []QuotedItem
	Files          []FileAttachment
	APIKey         string
	CouncilModels  []string
	ChairmanModel  string
	HistoryContext string
}

// Resolve validates a SendMessageRequest and fills in server defaults,
// producing the pipeline input. historyContext carries prior turns of the
// conversation, already rendered. All failures wrap ErrValidation.
func (r *SendMessageRequest) Resolve(historyContext string) (CouncilRequest, error) {
	query := strings.TrimSpace(r.Content)
	if query == "" {
		return CouncilRequest{}, fmt.Errorf("%w: content is required", ErrValidation)
	}

	councilModels := r.CouncilModels
	if len(councilModels) == 0 {
		councilModels = DefaultCouncilModels
	}
	if len(councilModels) == 0 {
		return CouncilRequest{}, fmt.Errorf("%w: no council models configured", ErrValidation)
	}
	if len(councilModels) > MaxCouncilModels {
		return CouncilRequest{}, fmt.Errorf("%w: at most %d council models allowed", ErrValidation, MaxCouncilModels)
	}
	for _, model := range councilModels {
		if strings.TrimSpace(model) == "" {
			return CouncilRequest{}, fmt.Errorf("%w: empty council model identifier", ErrValidation)
		}
	}

	chairman := strings.TrimSpace(r.ChairmanModel)
	if chairman == "" {
		chairman = DefaultChairmanModel
	}
	if chairman == "" {
		return CouncilRequest{}, fmt.Errorf("%w: no chairman model configured", ErrValidation)
	}

	apiKey := strings.TrimSpace(r.APIKey)
	if apiKey == "" {
		apiKey = OpenRouterAPIKey
	}
	if apiKey == "" {
		return CouncilRequest{}, fmt.Errorf("%w: an OpenRouter API key is required", ErrValidation)
	}

	for _, file := range r.Files {
		if strings.TrimSpace(file.Name) == "" {
			return CouncilRequest{}, fmt.Errorf("%w: attached file without a name", ErrValidation)
		}
	}
	for _, item := range r.QuotedItems {
		if item.Stage < 1 || item.Stage > 3 {
			return CouncilRequest{}, fmt.Errorf("%w: quoted item references stage %d", ErrValidation, item.Stage)
		}
		if item.AnswerIndex < 0 {
			return CouncilRequest{}, fmt.Errorf("%w: quoted item has negative answer index", ErrValidation)
		}
	}

	return CouncilRequest{
		Query:          query,
		QuotedItems:    r.QuotedItems,
		Files:          r.Files,
		APIKey:         apiKey,
		CouncilModels:  councilModels,
		ChairmanModel:  chairman,
		HistoryContext: historyContext,
	}, nil
}

// SendMessageResponse represents the response after sending a message
type SendMessageResponse struct {
	Stage1   []Stage1Response `json:"stage1"`
	Stage2   []Stage2Ranking  `json:"stage2"`
	Stage3   Stage3Response   `json:"stage3"`
	Metadata Metadata         `json:"metadata"`
}

// RegenerateStage3Request carries the optional overrides for a stage-3
// regeneration.
type RegenerateStage3Request struct {
	APIKey        string `json:"api_key"`
	ChairmanModel string `json:"chairman_model"`
}

// UpdateTitleRequest renames a conversation.
type UpdateTitleRequest struct {
	Title string `json:"title"`
}

// FetchURLRequest asks for the readable text of a web page.
type FetchURLRequest struct {
	URL string `json:"url" binding:"required"`
}
