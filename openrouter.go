package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// QueryModel queries a single model via OpenRouter API with the given timeout.
// The API key is an explicit argument so callers decide whose credential is
// used. Returns the model's response or an error if the request fails.
func QueryModel(ctx context.Context, apiKey, model string, messages []OpenRouterMessage, timeout time.Duration) (*OpenRouterResponse, error) {
	return QueryModelWithOptions(ctx, apiKey, model, messages, timeout, 0, 0)
}

// QueryModelWithOptions is QueryModel with explicit sampling options.
// A zero temperature or maxTokens leaves the field out of the request.
func QueryModelWithOptions(ctx context.Context, apiKey, model string, messages []OpenRouterMessage, timeout time.Duration, temperature float64, maxTokens int) (*OpenRouterResponse, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: timeout,
	}

	// Build request payload
	payload := OpenRouterRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	// Marshal payload to JSON
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Create HTTP request
	req, err := http.NewRequestWithContext(ctx, "POST", OpenRouterAPIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", OpenRouterReferer)
	req.Header.Set("X-Title", "LLM Council")

	// Make the request
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	// Check status code
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// Read response body
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Parse response
	var apiResponse OpenRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Extract message from response
	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	message := apiResponse.Choices[0].Message
	return &OpenRouterResponse{
		Content:          message.Content,
		ReasoningDetails: message.ReasoningDetails,
	}, nil
}
