package instructions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxgate/voxgate/internal/provider"
)

// promptCacheSize caps the number of cached compressions. Long instruction
// sets repeat across turns, so a handful of entries covers the working set.
const promptCacheSize = 8

const compressPrompt = "Compress the following assistant instructions. Keep every rule, fact, " +
	"and constraint; drop redundancy and verbose phrasing. Output only the " +
	"compressed instructions."

// promptCache caches LLM compressions of oversized prompts, keyed by content
// hash, with explicit oldest-first eviction.
type promptCache struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string // insertion order; index 0 is the oldest entry
	llm     provider.Provider
}

func newPromptCache(llm provider.Provider) *promptCache {
	return &promptCache{
		entries: make(map[string]string),
		llm:     llm,
	}
}

// compact returns the compressed form of prompt, computing and caching it on
// first sight. On compression failure the original prompt is returned so a
// turn never loses instructions.
func (c *promptCache) compact(ctx context.Context, prompt string, threshold int) string {
	sum := sha256.Sum256([]byte(prompt))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	if cached, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	if c.llm == nil {
		return prompt
	}
	resp, err := c.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: compressPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: threshold / 4,
	})
	if err != nil {
		slog.Warn("Instruction compaction failed", "error", err)
		return prompt
	}
	compressed := strings.TrimSpace(resp.Content)
	if compressed == "" {
		return prompt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		for len(c.order) >= promptCacheSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.entries[key] = compressed
		c.order = append(c.order, key)
	}
	return compressed
}
