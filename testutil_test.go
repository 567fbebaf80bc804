package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestHelper provides utilities for tests
type TestHelper struct {
	t       *testing.T
	tempDir string
}

// NewTestHelper creates a new test helper
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTempDir creates a temporary directory for testing
func (h *TestHelper) CreateTempDir() string {
	tempDir, err := os.MkdirTemp("", "llm-council-test-*")
	if err != nil {
		h.t.Fatalf("Failed to create temp dir: %v", err)
	}
	h.tempDir = tempDir
	return tempDir
}

// Cleanup removes the temporary directory
func (h *TestHelper) Cleanup() {
	if h.tempDir != "" {
		os.RemoveAll(h.tempDir)
	}
}

// WriteJSONFile writes JSON data to a file in the temp directory
func (h *TestHelper) WriteJSONFile(filename string, data interface{}) string {
	if h.tempDir == "" {
		h.CreateTempDir()
	}

	path := filepath.Join(h.tempDir, filename)
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		h.t.Fatalf("Failed to marshal JSON: %v", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		h.t.Fatalf("Failed to write file: %v", err)
	}

	return path
}

// ReadJSONFile reads and unmarshals JSON from a file
func (h *TestHelper) ReadJSONFile(path string, v interface{}) {
	data, err := os.ReadFile(path)
	if err != nil {
		h.t.Fatalf("Failed to read file: %v", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		h.t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
}

// UseTempDataDir points DataDir at a fresh temp directory for the duration
// of the test and drops the list cache.
func (h *TestHelper) UseTempDataDir() {
	oldDataDir := DataDir
	DataDir = h.CreateTempDir()
	listCache.InvalidateAll()
	h.t.Cleanup(func() {
		DataDir = oldDataDir
		listCache.InvalidateAll()
	})
}

// testTime returns a fixed timestamp for deterministic fixtures
func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

// MockOpenRouterServer creates a mock HTTP server for OpenRouter API and
// points OpenRouterAPIURL at it for the duration of the test.
func MockOpenRouterServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	server := httptest.NewServer(handler)
	oldAPIURL := OpenRouterAPIURL
	OpenRouterAPIURL = server.URL
	t.Cleanup(func() {
		OpenRouterAPIURL = oldAPIURL
		server.Close()
	})
	return server
}

// WriteMockOpenRouterResponse writes a chat-completions response body with
// the given content.
func WriteMockOpenRouterResponse(w http.ResponseWriter, content string) {
	var apiResponse OpenRouterAPIResponse
	apiResponse.Choices = make([]struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	}, 1)
	apiResponse.Choices[0].Message.Content = content

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse)
}

// CreateMockOpenRouterHandler creates a handler that returns successful responses
func CreateMockOpenRouterHandler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Verify headers
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		WriteMockOpenRouterResponse(w, response)
	}
}

// CreateMockOpenRouterErrorHandler creates a handler that returns errors
func CreateMockOpenRouterErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// DecodeOpenRouterRequest reads the mock request body.
func DecodeOpenRouterRequest(t *testing.T, r *http.Request) OpenRouterRequest {
	var request OpenRouterRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		t.Fatalf("Failed to decode OpenRouter request: %v", err)
	}
	return request
}

// promptOf flattens a request's message contents for assertions.
func promptOf(request OpenRouterRequest) string {
	var parts []string
	for _, message := range request.Messages {
		parts = append(parts, message.Content)
	}
	return strings.Join(parts, "\n")
}

// CouncilMockHandler simulates OpenRouter for full pipeline runs. Models
// listed in failing get a 500. Ranking requests (detected by the FINAL
// RANKING instructions) get a well-formed ranking over the labels the
// prompt mentions; everything else gets a per-model answer.
func CouncilMockHandler(t *testing.T, failing map[string]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		request := DecodeOpenRouterRequest(t, r)

		if failing[request.Model] {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("model unavailable"))
			return
		}

		prompt := promptOf(request)
		if strings.Contains(prompt, "FINAL RANKING:") {
			// Rank whatever labels the prompt presents, in label order.
			var lines []string
			for i := 0; i < 26; i++ {
				label := "Response " + string(rune('A'+i))
				if !strings.Contains(prompt, label+":") {
					break
				}
				lines = append(lines, fmt.Sprintf("%d. %s — solid answer", i+1, label))
			}
			WriteMockOpenRouterResponse(w, "Evaluation of all responses.\n\nFINAL RANKING:\n"+strings.Join(lines, "\n"))
			return
		}

		if strings.Contains(prompt, "Chairman of an LLM Council") {
			WriteMockOpenRouterResponse(w, "Chairman synthesis by "+request.Model)
			return
		}

		WriteMockOpenRouterResponse(w, "Answer from "+request.Model)
	}
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []Stage1Response{
					{Model: "test/model1", Response: "Go is a programming language."},
					{Model: "test/model2", Response: "Go is developed by Google."},
				},
				Stage2: []Stage2Ranking{
					{
						Model:   "test/model1",
						Ranking: "FINAL RANKING:\n1. Response B — broader\n2. Response A — narrower",
						Parsed: []RankedItem{
							{Label: "Response B", Reason: "broader"},
							{Label: "Response A", Reason: "narrower"},
						},
					},
				},
				Stage3: &Stage3Response{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
				Metadata: &Metadata{
					LabelToModel: map[string]string{
						"Response A": "test/model1",
						"Response B": "test/model2",
					},
					AggregateRankings: []AggregateRanking{
						{Model: "test/model2", AverageRank: 1, AverageScore: 1, RankingsCount: 1},
						{Model: "test/model1", AverageRank: 2, AverageScore: 2, RankingsCount: 1},
					},
				},
			},
		},
	}
}
