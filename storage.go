package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Per-conversation mutexes. Every mutation of a conversation happens under
// its lock, so one pipeline run at a time touches a message and a stage-3
// regeneration cannot race a first-run save.
var (
	convLocksMu sync.Mutex
	convLocks   = make(map[string]*sync.Mutex)
)

// lockConversation returns the mutex guarding one conversation's file.
func lockConversation(conversationID string) *sync.Mutex {
	convLocksMu.Lock()
	defer convLocksMu.Unlock()
	mu, ok := convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		convLocks[conversationID] = mu
	}
	return mu
}

// EnsureDataDir ensures the data directory exists.
// Creates the directory with 0755 permissions if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir, 0755)
}

// GetConversationPath returns the file path for a conversation.
// Joins the data directory with the conversation ID and .json extension.
func GetConversationPath(conversationID string) string {
	return filepath.Join(DataDir, conversationID+".json")
}

// CreateConversation creates a new conversation with the given ID, owned by
// clientID when one is provided. Initializes an empty conversation with a
// default title and saves it to disk.
func CreateConversation(conversationID, clientID string) (*Conversation, error) {
	// Ensure data directory exists
	if err := EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Create new conversation
	conversation := &Conversation{
		ID:        conversationID,
		CreatedAt: time.Now().UTC(),
		Title:     "New Conversation",
		Messages:  []Message{},
		ClientID:  clientID,
	}

	// Save to file
	if err := SaveConversation(conversation); err != nil {
		return nil, err
	}

	return conversation, nil
}

// GetConversation loads a conversation from storage by ID. When the file is
// missing locally and the GitHub mirror is enabled, the mirror is consulted
// and a found copy cached back to disk. A clientID mismatch behaves exactly
// like not-found, so ownership cannot be probed. Returns nil without error
// when the conversation doesn't exist.
func GetConversation(conversationID, clientID string) (*Conversation, error) {
	path := GetConversationPath(conversationID)

	var conversation *Conversation

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read conversation file: %w", err)
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
		}
		conversation = &conv
	} else if githubStore.Enabled() {
		// Not on disk; the mirror may still have it (ephemeral filesystems).
		log.Printf("Conversation %s not found locally, checking GitHub mirror", conversationID)
		mirrored, err := githubStore.GetFile(context.Background(), conversationID+".json")
		if err != nil {
			log.Printf("GitHub mirror lookup failed for %s: %v", conversationID, err)
		} else if mirrored != nil {
			conversation = mirrored
			if err := writeConversationFile(conversation); err != nil {
				log.Printf("Failed to cache mirrored conversation %s: %v", conversationID, err)
			}
		}
	}

	if conversation == nil {
		return nil, nil // Not found, return nil without error
	}

	// Ownership check: a conversation with an owner is invisible to other
	// clients.
	if clientID != "" && conversation.ClientID != "" && conversation.ClientID != clientID {
		return nil, nil
	}

	return conversation, nil
}

// writeConversationFile marshals and writes a conversation to disk.
func writeConversationFile(conversation *Conversation) error {
	// Ensure data directory exists
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Marshal to JSON with indentation
	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	// Write to file
	path := GetConversationPath(conversation.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}

	return nil
}

// SaveConversation saves a conversation to disk, mirrors it to GitHub when
// the mirror is enabled, and invalidates the list cache.
func SaveConversation(conversation *Conversation) error {
	if err := writeConversationFile(conversation); err != nil {
		return err
	}

	if githubStore.Enabled() {
		message := fmt.Sprintf("Update conversation %s", conversation.ID)
		if n := len(conversation.Messages); n > 0 {
			if conversation.Messages[n-1].Role == "user" {
				message = fmt.Sprintf("User message in %s", conversation.ID)
			} else {
				message = fmt.Sprintf("Council reply in %s", conversation.ID)
			}
		}
		if err := githubStore.SaveFile(context.Background(), conversation.ID+".json", conversation, message); err != nil {
			log.Printf("GitHub mirror save failed for %s: %v", conversation.ID, err)
		}
	}

	listCache.InvalidateAll()
	return nil
}

// DeleteConversation removes a conversation from disk and from the mirror.
// Returns false when the conversation does not exist.
func DeleteConversation(conversationID string) (bool, error) {
	mu := lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	path := GetConversationPath(conversationID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("failed to delete conversation file: %w", err)
	}

	if githubStore.Enabled() {
		if err := githubStore.DeleteFile(context.Background(), conversationID+".json", fmt.Sprintf("Delete conversation %s", conversationID)); err != nil {
			log.Printf("GitHub mirror delete failed for %s: %v", conversationID, err)
		}
	}

	listCache.InvalidateAll()
	return true, nil
}

// ListConversations lists all conversations with metadata only, filtered to
// the given client when one is provided. Returns metadata sorted by creation
// time (newest first). Silently skips invalid or unreadable files.
func ListConversations(clientID string) ([]ConversationMetadata, error) {
	// Ensure data directory exists
	if err := EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Read directory
	entries, err := os.ReadDir(DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	// Collect metadata (initialize with empty slice to avoid null in JSON)
	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		// Read file
		path := filepath.Join(DataDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue // Skip files we can't read
		}

		// Parse JSON (just enough to get metadata)
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue // Skip invalid JSON
		}

		// Ownership filter
		if clientID != "" && conv.ClientID != "" && conv.ClientID != clientID {
			continue
		}

		// Extract metadata
		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	// Sort by creation time, newest first
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// AddUserMessage appends a user message, with its quoted items and attached
// files, to a conversation and saves it.
func AddUserMessage(conversationID, content string, quotedItems []QuotedItem, files []FileAttachment) error {
	mu := lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conversation, err := GetConversation(conversationID, "")
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Messages = append(conversation.Messages, Message{
		Role:        "user",
		Content:     content,
		QuotedItems: quotedItems,
		Files:       files,
	})

	return SaveConversation(conversation)
}

// AddAssistantMessage appends an assistant message holding all 3 stages and
// the run metadata (label map and aggregate rankings) to a conversation.
func AddAssistantMessage(conversationID string, stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response, metadata Metadata) error {
	mu := lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conversation, err := GetConversation(conversationID, "")
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Messages = append(conversation.Messages, Message{
		Role:     "assistant",
		Stage1:   stage1,
		Stage2:   stage2,
		Stage3:   &stage3,
		Metadata: &metadata,
	})

	return SaveConversation(conversation)
}

// UpdateConversationTitle updates the title of a conversation.
func UpdateConversationTitle(conversationID, title string) error {
	mu := lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conversation, err := GetConversation(conversationID, "")
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	conversation.Title = title

	return SaveConversation(conversation)
}
