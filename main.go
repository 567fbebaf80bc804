package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {
	// Load configuration
	LoadConfig()
	LoadGitHubStorage()

	router := setupRouter()

	// Start server
	log.Printf("Starting LLM Council backend on port %s...", ServerPort)
	if err := router.Run(":" + ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRouter creates the Gin router with all middleware and routes.
func setupRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1")
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Client-ID"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", healthCheck)
	router.GET("/api/conversations", listConversationsHandler)
	router.POST("/api/conversations", createConversationHandler)
	router.GET("/api/conversations/:id", getConversationHandler)
	router.DELETE("/api/conversations/:id", deleteConversationHandler)
	router.PUT("/api/conversations/:id/title", updateTitleHandler)
	router.POST("/api/conversations/:id/message", sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", sendMessageStreamHandler)
	router.PUT("/api/conversations/:id/messages/:index/regenerate-stage3", regenerateStage3Handler)
	router.POST("/api/fetch-url", fetchURLHandler)

	return router
}

// requestClientID reads the optional per-client isolation header.
func requestClientID(c *gin.Context) string {
	return c.GetHeader("X-Client-ID")
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by
// date, filtered to the caller's X-Client-ID, served from the list cache
// between writes.
func listConversationsHandler(c *gin.Context) {
	clientID := requestClientID(c)

	if cached, ok := listCache.Get(clientID); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	conversations, err := ListConversations(clientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	listCache.Set(clientID, conversations)
	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID and creates an empty
// conversation owned by the caller's X-Client-ID when one is sent.
func createConversationHandler(c *gin.Context) {
	// Generate new UUID
	conversationID := uuid.New().String()

	// Create conversation
	conversation, err := CreateConversation(conversationID, requestClientID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func getConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := GetConversation(conversationID, requestClientID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteConversationHandler deletes a conversation.
// DELETE /api/conversations/:id - Verifies ownership before deleting.
func deleteConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	// Verify ownership before deletion
	conversation, err := GetConversation(conversationID, requestClientID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	deleted, err := DeleteConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to delete conversation: %v", err),
		})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Conversation deleted successfully",
	})
}

// updateTitleHandler renames a conversation.
// PUT /api/conversations/:id/title - Body: {"title": "..."}.
func updateTitleHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request UpdateTitleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := GetConversation(conversationID, requestClientID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	if err := UpdateConversationTitle(conversationID, request.Title); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to update title: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"title":  request.Title,
	})
}

// buildHistoryContext renders the conversation's completed turns (a user
// message followed by an assistant message with a successful stage 3) into
// a context block for stage 1 of the next run.
func buildHistoryContext(conversation *Conversation) string {
	var turns []string

	for i := 1; i < len(conversation.Messages); i++ {
		userMsg := conversation.Messages[i-1]
		assistantMsg := conversation.Messages[i]
		if userMsg.Role != "user" || assistantMsg.Role != "assistant" {
			continue
		}
		if assistantMsg.Stage3 == nil || !assistantMsg.Stage3.OK() {
			continue
		}

		var turn strings.Builder
		for _, item := range userMsg.QuotedItems {
			fmt.Fprintf(&turn, "Quoted from stage %d answer %d: %s\n", item.Stage, item.AnswerIndex, item.Content)
		}
		fmt.Fprintf(&turn, "User asked: %s\nCouncil answered: %s", userMsg.Content, assistantMsg.Stage3.Response)
		turns = append(turns, turn.String())
	}

	if len(turns) == 0 {
		return ""
	}
	return fmt.Sprintf("=== Prior conversation context ===\n%s\n=== End of prior context ===", strings.Join(turns, "\n\n"))
}

// startTitleGeneration kicks off background title generation for a
// conversation's first message. The returned channel yields the generated
// title (or closes without one on failure).
func startTitleGeneration(conversationID, apiKey, userQuery string) chan string {
	titleChan := make(chan string, 1)
	go func() {
		defer close(titleChan)
		title, err := GenerateConversationTitle(context.Background(), apiKey, userQuery)
		if err != nil {
			log.Printf("Failed to generate title: %v", err)
			UpdateConversationTitle(conversationID, "New Conversation")
			return
		}
		UpdateConversationTitle(conversationID, title)
		titleChan <- title
	}()
	return titleChan
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Runs full council and returns all stages at once.
// Use sendMessageStreamHandler for SSE streaming version.
func sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	// Parse request
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if conversation exists
	conversation, err := GetConversation(conversationID, requestClientID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	// Validate against server defaults before touching any state
	councilReq, err := request.Resolve(buildHistoryContext(conversation))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// Check if this is the first message
	isFirstMessage := len(conversation.Messages) == 0

	// Add user message
	if err := AddUserMessage(conversationID, councilReq.Query, request.QuotedItems, request.Files); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return
	}

	// Generate title if first message (run in background)
	if isFirstMessage {
		startTitleGeneration(conversationID, councilReq.APIKey, councilReq.Query)
	}

	// Run the 3-stage council process
	events := NewEventLog()
	defer events.Close()
	stage1, stage2, stage3, metadata, err := RunFullCouncil(c.Request.Context(), councilReq, events)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	// Add assistant message
	if err := AddAssistantMessage(conversationID, stage1, stage2, stage3, metadata); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add assistant message: %v", err),
		})
		return
	}

	// Return response
	c.JSON(http.StatusOK, SendMessageResponse{
		Stage1:   stage1,
		Stage2:   stage2,
		Stage3:   stage3,
		Metadata: metadata,
	})
}

// sendMessageStreamHandler sends a message and streams the 3-stage council
// process via SSE. POST /api/conversations/:id/message/stream - The pipeline
// appends to an event log; this handler subscribes and forwards, so the
// event order on the wire is exactly the log order.
func sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	// Parse request
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Check if conversation exists
	conversation, err := GetConversation(conversationID, requestClientID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	councilReq, err := request.Resolve(buildHistoryContext(conversation))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Check if this is the first message
	isFirstMessage := len(conversation.Messages) == 0

	// Add user message
	if err := AddUserMessage(conversationID, councilReq.Query, request.QuotedItems, request.Files); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to add user message: %v", err))
		return
	}

	// Start title generation in background if first message
	var titleChan chan string
	if isFirstMessage {
		titleChan = startTitleGeneration(conversationID, councilReq.APIKey, councilReq.Query)
	}

	events := NewEventLog()
	subscription := events.Subscribe()

	// The pipeline runs detached from the SSE writer. If the client goes
	// away the request context cancels: in-flight model calls wind down on
	// their own deadlines and no further stage is dispatched.
	go func() {
		defer events.Close()

		stage1, stage2, stage3, metadata, err := RunFullCouncil(c.Request.Context(), councilReq, events)
		if err != nil {
			// Fatal condition already recorded on the log.
			return
		}

		// Wait for title if it was being generated
		if titleChan != nil {
			if title, ok := <-titleChan; ok {
				events.Append(ProgressEvent{Type: EventTitleComplete, Data: gin.H{"title": title}})
			}
		}

		// Save complete assistant message
		if err := AddAssistantMessage(conversationID, stage1, stage2, stage3, metadata); err != nil {
			events.Append(ProgressEvent{Type: EventPipelineError, Message: fmt.Sprintf("Failed to save message: %v", err)})
			return
		}

		events.Append(ProgressEvent{Type: EventComplete})
	}()

	// Forward the log to the client in order
	for event := range subscription {
		sendSSEEvent(c, event)
	}
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
func sendSSEEvent(c *gin.Context, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
// Convenience wrapper for sending error-type SSE events.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, ProgressEvent{Type: EventPipelineError, Message: message})
}

// regenerateStage3Handler re-runs only the chairman synthesis for one
// stored message. PUT /api/conversations/:id/messages/:index/regenerate-stage3
// Body (optional): {"api_key": "...", "chairman_model": "..."}.
func regenerateStage3Handler(c *gin.Context) {
	conversationID := c.Param("id")

	messageIndex, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid message index: %v", err),
		})
		return
	}

	// Overrides are optional; an empty body means use server defaults
	var request RegenerateStage3Request
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	stage3, err := RegenerateStage3(c.Request.Context(), conversationID, messageIndex, requestClientID(c), request)
	switch {
	case err == nil:
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, ErrNotRegenerable), errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to regenerate stage3: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"stage3": stage3,
	})
}

// fetchURLHandler fetches and extracts readable content from a given URL so
// the UI can attach it as a file.
// POST /api/fetch-url - Body: {"url": "https://..."}
func fetchURLHandler(c *gin.Context) {
	// Parse request
	var request FetchURLRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// Fetch content
	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	// Return content
	c.JSON(http.StatusOK, gin.H{
		"content": content,
	})
}
