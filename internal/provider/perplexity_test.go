package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

func TestPerplexityClientCompleteWithSources(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		_, _ = w.Write([]byte(`{
			"id": "pplx-1",
			"model": "sonar",
			"created": 1700000000,
			"choices": [{"message": {"role": "assistant", "content": "Try Brooks [1]"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 6, "total_tokens": 10},
			"citations": ["https://a.example", "https://b.example"],
			"search_results": [
				{"title": "A", "url": "https://a.example", "date": "2024-01-02"},
				{"title": "B", "url": "https://b.example"}
			]
		}`))
	}))
	defer server.Close()

	client, err := NewPerplexityClient(Config{APIKey: "pk", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewPerplexityClient() error = %v", err)
	}

	completion, err := client.Complete(context.Background(), testCompletionRequest())
	if err != nil {
		t.Fatalf("Complete() unexpected error: %v", err)
	}

	if gotPath != "/chat/completions" {
		t.Fatalf("path = %q, want /chat/completions", gotPath)
	}
	if gotAuth != "Bearer pk" {
		t.Fatalf("Authorization = %q, want Bearer pk", gotAuth)
	}
	if completion.Provider != domain.ProviderPerplexity {
		t.Fatalf("Provider = %q, want perplexity", completion.Provider)
	}
	if completion.Content != "Try Brooks [1]" {
		t.Fatalf("Content = %q", completion.Content)
	}
	if len(completion.Citations) != 2 || completion.Citations[1] != "https://b.example" {
		t.Fatalf("Citations = %v", completion.Citations)
	}
	if len(completion.SearchResults) != 2 {
		t.Fatalf("SearchResults len = %d, want 2", len(completion.SearchResults))
	}
	first := completion.SearchResults[0]
	if first.Title != "A" || first.URL != "https://a.example" || first.Date == nil || *first.Date != "2024-01-02" {
		t.Fatalf("SearchResults[0] = %+v", first)
	}
	if completion.SearchResults[1].Date != nil {
		t.Fatalf("SearchResults[1].Date = %v, want nil", completion.SearchResults[1].Date)
	}
}

func TestPerplexityClientWithoutSources(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"p","model":"sonar","choices":[{"message":{"content":"plain"}}]}`))
	}))
	defer server.Close()

	client, err := NewPerplexityClient(Config{APIKey: "pk", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewPerplexityClient() error = %v", err)
	}

	completion, err := client.Complete(context.Background(), testCompletionRequest())
	if err != nil {
		t.Fatalf("Complete() unexpected error: %v", err)
	}
	if completion.Citations != nil || completion.SearchResults != nil {
		t.Fatalf("sources = %v/%v, want nil", completion.Citations, completion.SearchResults)
	}
	if completion.FinishReason != nil {
		t.Fatalf("FinishReason = %v, want nil", completion.FinishReason)
	}
}
