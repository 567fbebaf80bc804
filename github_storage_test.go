package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

// mockGitHubAPI points GitHubAPIBase at a test server and returns an enabled
// mirror configured against it.
func mockGitHubAPI(t *testing.T, handler http.HandlerFunc) *GitHubStorage {
	t.Helper()
	server := httptest.NewServer(handler)
	oldBase := GitHubAPIBase
	GitHubAPIBase = server.URL
	t.Cleanup(func() {
		GitHubAPIBase = oldBase
		server.Close()
	})

	return &GitHubStorage{
		enabled: true,
		token:   "test-token",
		repo:    "owner/repo",
		branch:  "main",
		client:  &http.Client{Timeout: githubRequestTimeout},
	}
}

// encodeGitHubFile builds a contents-API response body for a conversation.
func encodeGitHubFile(t *testing.T, conv *Conversation, sha string) []byte {
	t.Helper()
	raw, err := json.Marshal(conv)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(githubContent{
		Content: base64.StdEncoding.EncodeToString(raw),
		SHA:     sha,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

// TestGitHubStorageDisabled tests that a disabled mirror is inert
func TestGitHubStorageDisabled(t *testing.T) {
	store := &GitHubStorage{}

	if store.Enabled() {
		t.Error("Zero-value mirror should be disabled")
	}

	// No server is running; any HTTP call would fail loudly.
	conv, err := store.GetFile(context.Background(), "x.json")
	if err != nil || conv != nil {
		t.Errorf("GetFile on disabled mirror: conv=%v err=%v", conv, err)
	}
	if err := store.SaveFile(context.Background(), "x.json", SampleConversation("x"), "msg"); err != nil {
		t.Errorf("SaveFile on disabled mirror: %v", err)
	}
	if err := store.DeleteFile(context.Background(), "x.json", "msg"); err != nil {
		t.Errorf("DeleteFile on disabled mirror: %v", err)
	}
}

// TestGitHubStorageGetFile tests mirror reads
func TestGitHubStorageGetFile(t *testing.T) {
	t.Run("existing file decodes", func(t *testing.T) {
		sample := SampleConversation("conv-mirror")
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "token test-token" {
				t.Errorf("Authorization = %q", got)
			}
			if !strings.Contains(r.URL.Path, "/repos/owner/repo/contents/data/conversations/conv-mirror.json") {
				t.Errorf("Path = %q", r.URL.Path)
			}
			if got := r.URL.Query().Get("ref"); got != "main" {
				t.Errorf("ref = %q, want main", got)
			}
			w.Write(encodeGitHubFile(t, sample, "abc123"))
		})

		conv, err := store.GetFile(context.Background(), "conv-mirror.json")
		if err != nil {
			t.Fatalf("GetFile failed: %v", err)
		}
		if conv == nil || conv.ID != "conv-mirror" {
			t.Errorf("Got %+v", conv)
		}
		if len(conv.Messages) != 2 {
			t.Errorf("Messages = %d, want 2", len(conv.Messages))
		}
	})

	t.Run("404 is not an error", func(t *testing.T) {
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		conv, err := store.GetFile(context.Background(), "missing.json")
		if err != nil {
			t.Fatalf("GetFile failed: %v", err)
		}
		if conv != nil {
			t.Error("Expected nil for missing file")
		}
	})

	t.Run("server error surfaces", func(t *testing.T) {
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		if _, err := store.GetFile(context.Background(), "x.json"); err == nil {
			t.Fatal("Expected error for 500")
		}
	})

	t.Run("bad base64 surfaces", func(t *testing.T) {
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(githubContent{Content: "!!! not base64 !!!", SHA: "x"})
		})

		if _, err := store.GetFile(context.Background(), "x.json"); err == nil {
			t.Fatal("Expected decode error")
		}
	})
}

// TestGitHubStorageSaveFile tests mirror writes
func TestGitHubStorageSaveFile(t *testing.T) {
	t.Run("create when file is new", func(t *testing.T) {
		var putPayload map[string]string
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				w.WriteHeader(http.StatusNotFound)
			case http.MethodPut:
				if err := json.NewDecoder(r.Body).Decode(&putPayload); err != nil {
					t.Fatal(err)
				}
				w.WriteHeader(http.StatusCreated)
			default:
				t.Errorf("Unexpected method %s", r.Method)
			}
		})

		err := store.SaveFile(context.Background(), "conv-new.json", SampleConversation("conv-new"), "User message in conv-new")
		if err != nil {
			t.Fatalf("SaveFile failed: %v", err)
		}

		if putPayload["message"] != "User message in conv-new" {
			t.Errorf("Commit message = %q", putPayload["message"])
		}
		if putPayload["branch"] != "main" {
			t.Errorf("Branch = %q", putPayload["branch"])
		}
		if _, hasSHA := putPayload["sha"]; hasSHA {
			t.Error("New file should carry no sha")
		}
		raw, err := base64.StdEncoding.DecodeString(putPayload["content"])
		if err != nil {
			t.Fatalf("Content is not base64: %v", err)
		}
		var conv Conversation
		if err := json.Unmarshal(raw, &conv); err != nil || conv.ID != "conv-new" {
			t.Errorf("Decoded content: %v / %v", conv.ID, err)
		}
	})

	t.Run("update carries the existing sha", func(t *testing.T) {
		var putPayload map[string]string
		sample := SampleConversation("conv-upd")
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				w.Write(encodeGitHubFile(t, sample, "oldsha42"))
			case http.MethodPut:
				if err := json.NewDecoder(r.Body).Decode(&putPayload); err != nil {
					t.Fatal(err)
				}
				w.WriteHeader(http.StatusOK)
			}
		})

		if err := store.SaveFile(context.Background(), "conv-upd.json", sample, "Council reply in conv-upd"); err != nil {
			t.Fatalf("SaveFile failed: %v", err)
		}
		if putPayload["sha"] != "oldsha42" {
			t.Errorf("sha = %q, want oldsha42", putPayload["sha"])
		}
	})

	t.Run("rejected write surfaces", func(t *testing.T) {
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusUnprocessableEntity)
		})

		if err := store.SaveFile(context.Background(), "x.json", SampleConversation("x"), "msg"); err == nil {
			t.Fatal("Expected error for 422")
		}
	})
}

// TestGitHubStorageDeleteFile tests mirror deletes
func TestGitHubStorageDeleteFile(t *testing.T) {
	t.Run("delete existing file", func(t *testing.T) {
		var deletePayload map[string]string
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				w.Write(encodeGitHubFile(t, SampleConversation("conv-del"), "sha-del"))
			case http.MethodDelete:
				if err := json.NewDecoder(r.Body).Decode(&deletePayload); err != nil {
					t.Fatal(err)
				}
				w.WriteHeader(http.StatusOK)
			}
		})

		if err := store.DeleteFile(context.Background(), "conv-del.json", "Delete conversation conv-del"); err != nil {
			t.Fatalf("DeleteFile failed: %v", err)
		}
		if deletePayload["sha"] != "sha-del" {
			t.Errorf("sha = %q, want sha-del", deletePayload["sha"])
		}
	})

	t.Run("missing file is a no-op", func(t *testing.T) {
		store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodDelete {
				t.Error("DELETE should not be issued for a missing file")
			}
			w.WriteHeader(http.StatusNotFound)
		})

		if err := store.DeleteFile(context.Background(), "missing.json", "msg"); err != nil {
			t.Errorf("DeleteFile failed: %v", err)
		}
	})
}

// TestGitHubStorageRateLimit tests retry on 403 responses
func TestGitHubStorageRateLimit(t *testing.T) {
	attempts := 0
	sample := SampleConversation("conv-rl")
	store := mockGitHubAPI(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix(), 10))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(encodeGitHubFile(t, sample, "sha-rl"))
	})

	conv, err := store.GetFile(context.Background(), "conv-rl.json")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if conv == nil || conv.ID != "conv-rl" {
		t.Errorf("Got %+v", conv)
	}
	if attempts != 2 {
		t.Errorf("Attempts = %d, want 2", attempts)
	}
}

// TestLoadGitHubStorage tests environment-driven configuration
func TestLoadGitHubStorage(t *testing.T) {
	oldStore := githubStore
	t.Cleanup(func() { githubStore = oldStore })

	t.Run("disabled without full configuration", func(t *testing.T) {
		setEnvForTest(t, "ENABLE_GITHUB_SYNC", "true")
		setEnvForTest(t, "GITHUB_TOKEN", "")
		setEnvForTest(t, "GITHUB_REPO", "owner/repo")

		LoadGitHubStorage()

		if githubStore.Enabled() {
			t.Error("Mirror should stay disabled without a token")
		}
	})

	t.Run("enabled with full configuration", func(t *testing.T) {
		setEnvForTest(t, "ENABLE_GITHUB_SYNC", "true")
		setEnvForTest(t, "GITHUB_TOKEN", "tok")
		setEnvForTest(t, "GITHUB_REPO", "owner/repo")
		setEnvForTest(t, "GITHUB_BRANCH", "")

		LoadGitHubStorage()

		if !githubStore.Enabled() {
			t.Fatal("Mirror should be enabled")
		}
		if githubStore.branch != "main" {
			t.Errorf("Branch = %q, want main default", githubStore.branch)
		}
	})

	t.Run("sync flag off wins", func(t *testing.T) {
		setEnvForTest(t, "ENABLE_GITHUB_SYNC", "false")
		setEnvForTest(t, "GITHUB_TOKEN", "tok")
		setEnvForTest(t, "GITHUB_REPO", "owner/repo")

		LoadGitHubStorage()

		if githubStore.Enabled() {
			t.Error("Mirror should respect ENABLE_GITHUB_SYNC=false")
		}
	})
}
