package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

// GitHubAPIBase is the GitHub REST API root. A variable so tests can point
// it at a mock server.
var GitHubAPIBase = "https://api.github.com"

const (
	// githubStoragePath is where conversation files live inside the
	// mirror repository.
	githubStoragePath = "data/conversations"

	// githubRequestTimeout bounds each mirror API call.
	githubRequestTimeout = 10 * time.Second

	// githubMaxRetries caps retries on rate-limited mirror calls.
	githubMaxRetries = 3
)

// Global GitHub mirror instance; disabled until LoadGitHubStorage runs.
var githubStore = &GitHubStorage{}

// GitHubStorage mirrors conversation JSON files to a private GitHub
// repository via the contents API, so conversations survive an ephemeral
// local filesystem. Local disk stays the source of truth; the mirror is a
// fallback for reads and a best-effort copy on writes.
type GitHubStorage struct {
	enabled bool
	token   string
	repo    string // "owner/repo"
	branch  string
	client  *http.Client
}

// LoadGitHubStorage configures the global mirror from the environment.
// Requires ENABLE_GITHUB_SYNC=true plus GITHUB_TOKEN and GITHUB_REPO;
// anything less leaves the mirror disabled.
func LoadGitHubStorage() {
	enableSync := os.Getenv("ENABLE_GITHUB_SYNC") == "true"
	token := os.Getenv("GITHUB_TOKEN")
	repo := os.Getenv("GITHUB_REPO")
	branch := os.Getenv("GITHUB_BRANCH")
	if branch == "" {
		branch = "main"
	}

	if !enableSync || token == "" || repo == "" {
		log.Println("GitHub mirror disabled (ENABLE_GITHUB_SYNC=false, or GITHUB_TOKEN/GITHUB_REPO not set)")
		githubStore = &GitHubStorage{}
		return
	}

	githubStore = &GitHubStorage{
		enabled: true,
		token:   token,
		repo:    repo,
		branch:  branch,
		client:  &http.Client{Timeout: githubRequestTimeout},
	}
	log.Printf("GitHub mirror enabled for repo: %s", repo)
}

// Enabled reports whether mirror calls will be made.
func (g *GitHubStorage) Enabled() bool {
	return g != nil && g.enabled
}

// fileURL builds the contents-API URL for one conversation file.
func (g *GitHubStorage) fileURL(filename string) string {
	return fmt.Sprintf("%s/repos/%s/contents/%s/%s", GitHubAPIBase, g.repo, githubStoragePath, filename)
}

// do issues one authenticated request and retries on rate limiting, waiting
// out X-RateLimit-Reset capped at 5 seconds per attempt.
func (g *GitHubStorage) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < githubMaxRetries; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "token "+g.token)
		req.Header.Set("Accept", "application/vnd.github.v3+json")
		req.Header.Set("User-Agent", "LLM-Council-Backend")

		resp, err := g.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			// Rate limited; wait for the reset, but not too long.
			wait := time.Second
			if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
				if until := time.Until(time.Unix(reset, 0)); until > wait {
					wait = until
				}
			}
			if wait > 5*time.Second {
				wait = 5 * time.Second
			}
			resp.Body.Close()
			log.Printf("Rate limited by GitHub, retrying in %v", wait)
			time.Sleep(wait)
			lastErr = fmt.Errorf("rate limited")
			continue
		}

		return resp, nil
	}
	return nil, fmt.Errorf("github request failed after %d attempts: %w", githubMaxRetries, lastErr)
}

// githubContent is the subset of the contents-API response we read.
type githubContent struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
}

// GetFile fetches a mirrored conversation. Returns nil without error when
// the file does not exist in the mirror.
func (g *GitHubStorage) GetFile(ctx context.Context, filename string) (*Conversation, error) {
	if !g.Enabled() {
		return nil, nil
	}

	resp, err := g.do(ctx, "GET", g.fileURL(filename)+"?ref="+g.branch, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("github returned status %d: %s", resp.StatusCode, string(body))
	}

	var content githubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to parse github response: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(content.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file content: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(raw, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse mirrored conversation: %w", err)
	}
	return &conversation, nil
}

// getSHA looks up the blob SHA of an existing mirrored file, required by the
// contents API to update it. Empty when the file doesn't exist yet.
func (g *GitHubStorage) getSHA(ctx context.Context, filename string) (string, error) {
	resp, err := g.do(ctx, "GET", g.fileURL(filename)+"?ref="+g.branch, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("github returned status %d: %s", resp.StatusCode, string(body))
	}

	var content githubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return "", fmt.Errorf("failed to parse github response: %w", err)
	}
	return content.SHA, nil
}

// SaveFile writes a conversation to the mirror, creating or updating the
// file as needed.
func (g *GitHubStorage) SaveFile(ctx context.Context, filename string, conversation *Conversation, message string) error {
	if !g.Enabled() {
		return nil
	}

	raw, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	sha, err := g.getSHA(ctx, filename)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(raw),
		"branch":  g.branch,
	}
	if sha != "" {
		payload["sha"] = sha
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal github payload: %w", err)
	}

	resp, err := g.do(ctx, "PUT", g.fileURL(filename), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("github returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// DeleteFile removes a conversation from the mirror. Missing files are not
// an error.
func (g *GitHubStorage) DeleteFile(ctx context.Context, filename, message string) error {
	if !g.Enabled() {
		return nil
	}

	sha, err := g.getSHA(ctx, filename)
	if err != nil {
		return err
	}
	if sha == "" {
		return nil
	}

	payload := map[string]string{
		"message": message,
		"sha":     sha,
		"branch":  g.branch,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal github payload: %w", err)
	}

	resp, err := g.do(ctx, "DELETE", g.fileURL(filename), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("github returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
