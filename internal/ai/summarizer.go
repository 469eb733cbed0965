package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrLLMConfig     = errors.New("llm config is invalid")
	ErrEmptySummary  = errors.New("llm returned an empty summary")
	ErrNothingToJoin = errors.New("no chunk summaries to combine")
)

const (
	chunkPrompt = "You summarize one section of a longer document. " +
		"Write a faithful, self-contained summary of the section in a few sentences. " +
		"Do not add information that is not in the text."
	documentPrompt = "You are given the summaries of a document's sections, in order. " +
		"Combine them into one coherent summary of the whole document. " +
		"Keep the order of topics and do not invent details."
)

// Summarizer produces natural-language summaries. Implementations must not
// retry internally; retries belong to the job layer.
type Summarizer interface {
	SummarizeChunk(ctx context.Context, text string) (string, error)
	SummarizeDocument(ctx context.Context, chunkSummaries []string) (string, error)
}

// LLMSummarizer summarizes through an OpenAI-compatible chat endpoint.
type LLMSummarizer struct {
	client *OpenAICompatibleClient
	cfg    ChatConfig
}

func NewLLMSummarizer(client *OpenAICompatibleClient, cfg ChatConfig) (*LLMSummarizer, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("%w: base_url and model are required", ErrLLMConfig)
	}
	return &LLMSummarizer{client: client, cfg: cfg}, nil
}

func (s *LLMSummarizer) SummarizeChunk(ctx context.Context, text string) (string, error) {
	return s.complete(ctx, chunkPrompt, text)
}

func (s *LLMSummarizer) SummarizeDocument(ctx context.Context, chunkSummaries []string) (string, error) {
	if len(chunkSummaries) == 0 {
		return "", ErrNothingToJoin
	}
	var b strings.Builder
	for i, summary := range chunkSummaries {
		fmt.Fprintf(&b, "Section %d:\n%s\n\n", i+1, strings.TrimSpace(summary))
	}
	return s.complete(ctx, documentPrompt, strings.TrimSpace(b.String()))
}

func (s *LLMSummarizer) complete(ctx context.Context, system, user string) (string, error) {
	out, err := s.client.Complete(ctx, s.cfg, []ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}
