package main

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ModelResult is the outcome of one model call: the response or the error,
// tagged with the model that produced it.
type ModelResult struct {
	Model    string
	Response *OpenRouterResponse
	Err      error
}

// OK reports whether the call produced a response.
func (r ModelResult) OK() bool { return r.Err == nil }

// QueryModelsParallel queries multiple models in parallel using goroutines.
// Results come back in input order, one per model, each holding a response
// or a captured failure. A single model's failure never cancels the sibling
// calls, and no retries happen at this layer.
//
// onResult, if non-nil, is invoked once per result as each call completes,
// in completion order. That ordering is deliberately different from the
// returned slice: the callback feeds live progress, the slice feeds the
// stable labeling of answers.
func QueryModelsParallel(ctx context.Context, apiKey string, models []string, messages []OpenRouterMessage, timeout time.Duration, onResult func(ModelResult)) []ModelResult {
	var g errgroup.Group

	results := make([]ModelResult, len(models))
	var mu sync.Mutex

	// Launch goroutine for each model
	for i, model := range models {
		i, model := i, model
		g.Go(func() error {
			response, err := QueryModel(ctx, apiKey, model, messages, timeout)

			// Graceful degradation: record the error but never fail
			// the whole dispatch.
			if err != nil {
				log.Printf("Error querying model %s: %v", model, err)
			}

			result := ModelResult{Model: model, Response: response, Err: err}
			results[i] = result

			if onResult != nil {
				mu.Lock()
				onResult(result)
				mu.Unlock()
			}
			return nil
		})
	}

	// Wait for all goroutines to complete. Goroutines never return errors,
	// so this only synchronizes.
	g.Wait()

	return results
}
