package main

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

// TestQueryModelsParallel tests parallel dispatch across multiple models
func TestQueryModelsParallel(t *testing.T) {
	t.Run("results in input order with mixed failures", func(t *testing.T) {
		failing := map[string]bool{"test/model2": true}
		MockOpenRouterServer(t, CouncilMockHandler(t, failing))

		models := []string{"test/model1", "test/model2", "test/model3"}
		results := QueryModelsParallel(context.Background(), "test-key", models,
			[]OpenRouterMessage{{Role: "user", Content: "hello"}}, 10*time.Second, nil)

		if len(results) != 3 {
			t.Fatalf("Got %d results, want 3", len(results))
		}
		for i, model := range models {
			if results[i].Model != model {
				t.Errorf("results[%d].Model = %q, want %q (input order)", i, results[i].Model, model)
			}
		}
		if !results[0].OK() || !results[2].OK() {
			t.Error("model1 and model3 should succeed")
		}
		if results[1].OK() {
			t.Error("model2 should carry its failure")
		}
		if results[1].Err == nil {
			t.Error("failed result must keep the error")
		}
	})

	t.Run("one failure does not cancel siblings", func(t *testing.T) {
		MockOpenRouterServer(t, CouncilMockHandler(t, map[string]bool{"test/model1": true}))

		results := QueryModelsParallel(context.Background(), "test-key",
			[]string{"test/model1", "test/model2", "test/model3", "test/model4"},
			[]OpenRouterMessage{{Role: "user", Content: "hello"}}, 10*time.Second, nil)

		succeeded := 0
		for _, r := range results {
			if r.OK() {
				succeeded++
			}
		}
		if succeeded != 3 {
			t.Errorf("Got %d successes, want 3", succeeded)
		}
	})

	t.Run("callback fires once per model in completion order", func(t *testing.T) {
		// model1 is slow, so it must complete last even though it is
		// first in input order.
		MockOpenRouterServer(t, func(w http.ResponseWriter, r *http.Request) {
			req := DecodeOpenRouterRequest(t, r)
			if req.Model == "test/model1" {
				time.Sleep(300 * time.Millisecond)
			}
			WriteMockOpenRouterResponse(w, "Answer from "+req.Model)
		})

		var mu sync.Mutex
		var completionOrder []string
		onResult := func(result ModelResult) {
			mu.Lock()
			completionOrder = append(completionOrder, result.Model)
			mu.Unlock()
		}

		models := []string{"test/model1", "test/model2"}
		results := QueryModelsParallel(context.Background(), "test-key", models,
			[]OpenRouterMessage{{Role: "user", Content: "hi"}}, 10*time.Second, onResult)

		if len(completionOrder) != 2 {
			t.Fatalf("Callback fired %d times, want 2", len(completionOrder))
		}
		if completionOrder[0] != "test/model2" || completionOrder[1] != "test/model1" {
			t.Errorf("Completion order = %v, want [test/model2 test/model1]", completionOrder)
		}
		// Returned slice stays in input order regardless
		if results[0].Model != "test/model1" || results[1].Model != "test/model2" {
			t.Errorf("Result order = [%s %s], want input order", results[0].Model, results[1].Model)
		}
	})

	t.Run("all models fail", func(t *testing.T) {
		MockOpenRouterServer(t, CreateMockOpenRouterErrorHandler(http.StatusInternalServerError, "upstream down"))

		results := QueryModelsParallel(context.Background(), "test-key",
			[]string{"test/model1", "test/model2"},
			[]OpenRouterMessage{{Role: "user", Content: "hi"}}, 10*time.Second, nil)

		for _, r := range results {
			if r.OK() {
				t.Errorf("Model %s should have failed", r.Model)
			}
		}
	})

	t.Run("empty model list", func(t *testing.T) {
		results := QueryModelsParallel(context.Background(), "test-key", nil, nil, time.Second, nil)
		if len(results) != 0 {
			t.Errorf("Got %d results, want 0", len(results))
		}
	})
}
