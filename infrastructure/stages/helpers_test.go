package stages

import (
	"context"
	"errors"
	"sync"

	"github.com/heyronith/kurral-sub012/infrastructure/llm"
	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/testutils"
)

var errNetwork = errors.New("connection reset by peer")

func newMockGenerator() (*llm.Generator, *testutils.MockLLMClient) {
	client := testutils.NewMockLLMClient("test-model")
	return llm.NewGenerator(client, llm.GeneratorConfig{Temperature: 0.1}).WithProvider("mock"), client
}

// fakeSearcher returns canned evidence keyed by query.
type fakeSearcher struct {
	mu       sync.Mutex
	evidence map[string][]domain.Evidence
	err      error
	queries  []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) ([]domain.Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	ev := f.evidence[query]
	if len(ev) > limit {
		ev = ev[:limit]
	}
	return ev, nil
}
