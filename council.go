package main

import (
	"context"
	"fmt"
	"strings"
)

// councilSystemPrompt opens every stage-1 conversation.
const councilSystemPrompt = "You are a helpful AI assistant. Please provide a clear and concise response to the user's query."

// buildContextMessages renders the request's history, attached files and
// quoted answers as system messages. Shared by stage 1 and stage 3 so the
// chairman sees the same context the council saw.
func buildContextMessages(req CouncilRequest) []OpenRouterMessage {
	messages := []OpenRouterMessage{
		{Role: "system", Content: councilSystemPrompt},
	}

	if req.HistoryContext != "" {
		messages = append(messages, OpenRouterMessage{Role: "system", Content: req.HistoryContext})
	}

	if len(req.Files) > 0 {
		var fileText strings.Builder
		fileText.WriteString("Relevant files:\n")
		for i, file := range req.Files {
			fmt.Fprintf(&fileText, "File %d (%s):\n%s\n\n", i+1, file.Name, file.Content)
		}
		messages = append(messages, OpenRouterMessage{Role: "system", Content: fileText.String()})
	}

	if len(req.QuotedItems) > 0 {
		var quoteText strings.Builder
		quoteText.WriteString("The user quoted these earlier council answers:\n")
		for _, item := range req.QuotedItems {
			fmt.Fprintf(&quoteText, "[stage %d, answer %d]: %s\n", item.Stage, item.AnswerIndex, item.Content)
		}
		messages = append(messages, OpenRouterMessage{Role: "system", Content: quoteText.String()})
	}

	return messages
}

// stage1FromResult converts a dispatch result into the persisted stage-1
// record, response XOR error.
func stage1FromResult(result ModelResult) Stage1Response {
	if !result.OK() {
		return Stage1Response{Model: result.Model, Error: result.Err.Error()}
	}
	return Stage1Response{Model: result.Model, Response: result.Response.Content}
}

// Stage1CollectResponses collects individual responses from all council models.
// This is the first stage of the council process where each model independently
// answers the user's question. Every model gets a record: an answer or the
// captured failure, in council input order. Per-model events are appended to
// the log in completion order.
func Stage1CollectResponses(ctx context.Context, req CouncilRequest, events *EventLog) []Stage1Response {
	messages := append(buildContextMessages(req), OpenRouterMessage{Role: "user", Content: req.Query})

	results := QueryModelsParallel(ctx, req.APIKey, req.CouncilModels, messages, ModelQueryTimeout, func(result ModelResult) {
		events.Append(ProgressEvent{Type: EventAnswerResult, Stage: 1, Data: stage1FromResult(result)})
	})

	stage1Results := make([]Stage1Response, len(results))
	for i, result := range results {
		stage1Results[i] = stage1FromResult(result)
	}
	return stage1Results
}

// buildRankingPrompt asks a reviewer to evaluate the anonymized answers and
// close with a strict FINAL RANKING list.
func buildRankingPrompt(userQuery string, labeled []LabeledAnswer) string {
	var responsesText strings.Builder
	for _, answer := range labeled {
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", answer.Label, answer.Response)
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, the response label, then an em dash and a one-sentence justification (e.g., "1. Response A — most complete answer")
- Do not add any other text in the ranking section

Example of the correct format for the ranking section:

FINAL RANKING:
1. Response C — most comprehensive and accurate
2. Response A — correct but thin on detail
3. Response B — misses the core of the question

Now provide your evaluation and ranking:`, userQuery, responsesText.String())
}

// Stage2CollectRankings collects rankings from each council model on the
// anonymized stage-1 answers. Failed stage-1 answers are excluded from the
// answer set; reviewing models may rank their own answer. Returns one
// Stage2Ranking per council model plus the label-to-model lookup for
// de-anonymization. Parse failures surface as that reviewer's error and
// never fail the stage.
func Stage2CollectRankings(ctx context.Context, req CouncilRequest, stage1Results []Stage1Response, events *EventLog) ([]Stage2Ranking, map[string]string) {
	labelToModel, labeled := AssignLabels(stage1Results)

	// Nothing survived stage 1: the stage completes with zero rankings
	// rather than asking reviewers to rank an empty set.
	if len(labeled) == 0 {
		return []Stage2Ranking{}, labelToModel
	}

	rankingPrompt := buildRankingPrompt(req.Query, labeled)
	messages := []OpenRouterMessage{
		{Role: "user", Content: rankingPrompt},
	}

	toRanking := func(result ModelResult) Stage2Ranking {
		if !result.OK() {
			return Stage2Ranking{Model: result.Model, Error: result.Err.Error()}
		}
		fullText := result.Response.Content
		parsed := FilterRanking(ParseRankingFromText(fullText), labelToModel)
		if len(parsed) == 0 {
			return Stage2Ranking{
				Model:   result.Model,
				Ranking: fullText,
				Error:   "no ranking found in response",
			}
		}
		return Stage2Ranking{Model: result.Model, Ranking: fullText, Parsed: parsed}
	}

	results := QueryModelsParallel(ctx, req.APIKey, req.CouncilModels, messages, ModelQueryTimeout, func(result ModelResult) {
		events.Append(ProgressEvent{Type: EventRankingResult, Stage: 2, Data: toRanking(result)})
	})

	stage2Results := make([]Stage2Ranking, len(results))
	for i, result := range results {
		stage2Results[i] = toRanking(result)
	}
	return stage2Results, labelToModel
}

// buildChairmanPrompt assembles the synthesis prompt: the original question,
// all answers and rankings with real model identity restored, and the
// aggregate table.
func buildChairmanPrompt(userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking, metadata Metadata) string {
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		if !result.OK() {
			continue
		}
		fmt.Fprintf(&stage1Text, "Model: %s\nResponse: %s\n\n", result.Model, result.Response)
	}

	var stage2Text strings.Builder
	for _, result := range stage2Results {
		if !result.OK() {
			continue
		}
		fmt.Fprintf(&stage2Text, "Rankings by %s:\n", result.Model)
		for i, item := range result.Parsed {
			model := metadata.LabelToModel[item.Label]
			if item.Reason != "" {
				fmt.Fprintf(&stage2Text, "%d. %s — %s\n", i+1, model, item.Reason)
			} else {
				fmt.Fprintf(&stage2Text, "%d. %s\n", i+1, model)
			}
		}
		stage2Text.WriteString("\n")
	}

	var aggregateText strings.Builder
	for i, entry := range metadata.AggregateRankings {
		fmt.Fprintf(&aggregateText, "%d. %s (average rank %.2f across %d rankings)\n",
			i+1, entry.Model, entry.AverageRank, entry.RankingsCount)
	}

	return fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings (de-anonymized):
%s

Aggregate ranking across all reviewers (best first):
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`,
		userQuery, stage1Text.String(), stage2Text.String(), aggregateText.String())
}

// Stage3SynthesizeFinal synthesizes the final response using the chairman
// model. A chairman failure is recorded on the result, never substituted
// with a fallback model.
func Stage3SynthesizeFinal(ctx context.Context, req CouncilRequest, stage1Results []Stage1Response, stage2Results []Stage2Ranking, metadata Metadata) Stage3Response {
	chairmanPrompt := buildChairmanPrompt(req.Query, stage1Results, stage2Results, metadata)

	// The chairman sees the same quoted/file context the council saw.
	messages := append(buildContextMessages(req), OpenRouterMessage{Role: "user", Content: chairmanPrompt})

	response, err := QueryModel(ctx, req.APIKey, req.ChairmanModel, messages, ModelQueryTimeout)
	if err != nil {
		return Stage3Response{Model: req.ChairmanModel, Error: err.Error()}
	}
	return Stage3Response{Model: req.ChairmanModel, Response: response.Content}
}

// GenerateConversationTitle generates a short title for a conversation
// using the fast title model. Returns the generated title or an error.
func GenerateConversationTitle(ctx context.Context, apiKey, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := QueryModelWithOptions(ctx, apiKey, TitleModel, messages, TitleGenTimeout, 0.5, 20)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response.Content)

	// Clean up the title - remove quotes
	title = strings.Trim(title, "\"'")

	// Truncate if too long
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	return title, nil
}

// RunFullCouncil runs the complete 3-stage council process against the
// event log: parallel model queries, anonymized peer review with aggregate
// rankings, and chairman synthesis. Stage boundaries are checkpoints: a
// stage never starts until the previous one has a result for every model,
// and per-model failures flow forward as data. The returned error is
// non-nil only for pipeline-fatal conditions (cancellation), in which case
// the log has already recorded the failure.
func RunFullCouncil(ctx context.Context, req CouncilRequest, events *EventLog) ([]Stage1Response, []Stage2Ranking, Stage3Response, Metadata, error) {
	// Stage 1: Collect responses
	events.Transition(StatusStage1Running, ProgressEvent{Type: EventStageStart, Stage: 1})
	stage1Results := Stage1CollectResponses(ctx, req, events)
	events.Transition(StatusStage1Done, ProgressEvent{Type: EventStageDone, Stage: 1, Data: stage1Results})

	if err := ctx.Err(); err != nil {
		events.Fail(fmt.Sprintf("pipeline cancelled: %v", err))
		return nil, nil, Stage3Response{}, Metadata{}, err
	}

	// Stage 2: Collect rankings and aggregate them
	events.Transition(StatusStage2Running, ProgressEvent{Type: EventStageStart, Stage: 2})
	stage2Results, labelToModel := Stage2CollectRankings(ctx, req, stage1Results, events)
	metadata := Metadata{
		LabelToModel:      labelToModel,
		AggregateRankings: CalculateAggregateRankings(stage2Results, labelToModel),
	}
	events.Append(ProgressEvent{Type: EventAggregateReady, Stage: 2, Data: metadata})
	events.Transition(StatusStage2Done, ProgressEvent{Type: EventStageDone, Stage: 2, Data: stage2Results})

	if err := ctx.Err(); err != nil {
		events.Fail(fmt.Sprintf("pipeline cancelled: %v", err))
		return nil, nil, Stage3Response{}, Metadata{}, err
	}

	// Stage 3: Synthesize final answer
	events.Transition(StatusStage3Running, ProgressEvent{Type: EventStageStart, Stage: 3})
	stage3Result := Stage3SynthesizeFinal(ctx, req, stage1Results, stage2Results, metadata)
	events.Transition(StatusStage3Done, ProgressEvent{Type: EventFinalResult, Stage: 3, Data: stage3Result})

	return stage1Results, stage2Results, stage3Result, metadata, nil
}
