package main

import (
	"context"
	"fmt"
	"strings"
)

// RegenerateStage3 re-runs only the chairman synthesis for an existing
// assistant message, against its already-persisted stage-1/stage-2 records,
// and replaces the stored Stage3Response in place. Stages 1 and 2 are never
// re-dispatched and their records are left untouched. The conversation lock
// is held for the whole load-synthesize-save sequence, so a concurrent
// first-run save cannot race the overwrite. Repeated calls overwrite rather
// than append.
func RegenerateStage3(ctx context.Context, conversationID string, messageIndex int, clientID string, override RegenerateStage3Request) (*Stage3Response, error) {
	mu := lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conversation, err := GetConversation(conversationID, clientID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	if messageIndex < 0 || messageIndex >= len(conversation.Messages) {
		return nil, fmt.Errorf("%w: index %d", ErrMessageNotFound, messageIndex)
	}

	message := &conversation.Messages[messageIndex]
	if message.Role != "assistant" || len(message.Stage1) == 0 || len(message.Stage2) == 0 {
		return nil, ErrNotRegenerable
	}

	chairman := strings.TrimSpace(override.ChairmanModel)
	if chairman == "" {
		chairman = DefaultChairmanModel
	}
	if chairman == "" {
		return nil, fmt.Errorf("%w: no chairman model configured", ErrValidation)
	}

	apiKey := strings.TrimSpace(override.APIKey)
	if apiKey == "" {
		apiKey = OpenRouterAPIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: an OpenRouter API key is required", ErrValidation)
	}

	// The chairman answers the question that produced this message.
	req := CouncilRequest{
		APIKey:        apiKey,
		ChairmanModel: chairman,
	}
	if messageIndex > 0 {
		if userMsg := conversation.Messages[messageIndex-1]; userMsg.Role == "user" {
			req.Query = userMsg.Content
			req.QuotedItems = userMsg.QuotedItems
			req.Files = userMsg.Files
		}
	}

	// Runs saved before metadata was persisted can rebuild it: labels are
	// deterministic over the stored stage-1 order.
	metadata := message.Metadata
	if metadata == nil {
		labelToModel, _ := AssignLabels(message.Stage1)
		metadata = &Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: CalculateAggregateRankings(message.Stage2, labelToModel),
		}
		message.Metadata = metadata
	}

	stage3 := Stage3SynthesizeFinal(ctx, req, message.Stage1, message.Stage2, *metadata)
	message.Stage3 = &stage3

	if err := SaveConversation(conversation); err != nil {
		return nil, err
	}

	return &stage3, nil
}
