package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration constants
var (
	// OpenRouterAPIKey is the server-side default API key for OpenRouter.
	// Requests may carry their own key, which takes precedence.
	OpenRouterAPIKey string

	// DefaultCouncilModels is the list of models queried in parallel when a
	// request does not supply its own council.
	DefaultCouncilModels = []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	}

	// DefaultChairmanModel is the model used for final synthesis when a
	// request does not supply its own chairman.
	DefaultChairmanModel = "google/gemini-3-pro-preview"

	// TitleModel is the fast model used for conversation title generation.
	TitleModel = "google/gemini-2.5-flash"

	// MaxCouncilModels caps the number of council models a request may name.
	MaxCouncilModels = 4

	// OpenRouterAPIURL is the endpoint for OpenRouter API
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// OpenRouterReferer identifies this project to OpenRouter.
	OpenRouterReferer = "https://github.com/PLA307/llm-council"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	TitleGenTimeout   = 30 * time.Second

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	// In production, set CORS_ALLOWED_ORIGINS environment variable
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// ListCacheTTL is the time-to-live for the conversation list cache.
	ListCacheTTL = 30 * time.Second

	// ServerPort is the port the HTTP server listens on.
	ServerPort = "8001"
)

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	// Try to find and load .env file
	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	// Get OpenRouter API key. Not fatal when missing: requests may carry
	// their own key, and the request validator rejects the ones that don't.
	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Printf("Warning: OPENROUTER_API_KEY not set; requests must supply api_key")
	}

	// Council and chairman overrides
	if models := splitCommaList(os.Getenv("COUNCIL_MODELS")); len(models) > 0 {
		DefaultCouncilModels = models
	}
	if chairman := strings.TrimSpace(os.Getenv("CHAIRMAN_MODEL")); chairman != "" {
		DefaultChairmanModel = chairman
	}

	// Storage directory override
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		DataDir = dataDir
	}

	// Load CORS origins from environment if provided
	if corsOrigins := splitCommaList(os.Getenv("CORS_ALLOWED_ORIGINS")); len(corsOrigins) > 0 {
		CORSAllowedOrigins = corsOrigins
	}

	if port := os.Getenv("PORT"); port != "" {
		ServerPort = port
	}

	log.Println("Configuration loaded successfully")
}

// splitCommaList splits a comma-separated environment value into trimmed,
// non-empty entries.
func splitCommaList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
