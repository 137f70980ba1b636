package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyronith/kurral-sub012/infrastructure/llm"
	"github.com/heyronith/kurral-sub012/infrastructure/queue"
	"github.com/heyronith/kurral-sub012/infrastructure/stages"
	"github.com/heyronith/kurral-sub012/infrastructure/store"
	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
	"github.com/heyronith/kurral-sub012/internal/testutils"
)

// pipelineHarness wires the real stages to a mock model, an in-memory store
// and an in-process queue.
type pipelineHarness struct {
	client *testutils.MockLLMClient
	store  *store.MemoryStore
	queue  *queue.ChannelQueue
	deps   Dependencies
}

func newHarness(t *testing.T) *pipelineHarness {
	t.Helper()

	client := testutils.NewMockLLMClient("test-model")
	gen := llm.NewGenerator(client, llm.GeneratorConfig{Temperature: 0.1}).WithProvider("mock")

	precheck, err := stages.NewPrecheckStage(gen, stages.StageConfig{})
	require.NoError(t, err)
	extraction, err := stages.NewExtractionStage(gen, stages.StageConfig{})
	require.NoError(t, err)
	verification, err := stages.NewVerificationStage(gen, nil, stages.DefaultVerificationConfig())
	require.NoError(t, err)
	scoring, err := stages.NewScoringStage(gen, stages.StageConfig{})
	require.NoError(t, err)

	h := &pipelineHarness{
		client: client,
		store:  store.NewMemoryStore(),
		queue:  queue.NewChannelQueue(16),
	}
	h.deps = Dependencies{
		Precheck:     precheck,
		Extraction:   extraction,
		Verification: verification,
		Scoring:      scoring,
		Store:        h.store,
		SideEffects:  NewSideEffectDispatcher(h.queue, nil, nil),
		Clock:        func() time.Time { return testutils.FixedTime },
	}
	return h
}

func (h *pipelineHarness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(h.deps)
	require.NoError(t, err)
	return o
}

// publishedJobs waits for the dispatcher and drains the queue.
func (h *pipelineHarness) publishedJobs(t *testing.T) []domain.SideEffectJob {
	t.Helper()
	h.deps.SideEffects.Wait()
	h.queue.Close()

	var jobs []domain.SideEffectJob
	err := h.queue.Consume(context.Background(), queue.HandlerFunc(func(_ context.Context, job domain.SideEffectJob) error {
		jobs = append(jobs, job)
		return nil
	}))
	require.NoError(t, err)
	return jobs
}

type precheckFunc func(context.Context, domain.ContentItem) (domain.PreCheckResult, error)

func (f precheckFunc) Run(ctx context.Context, item domain.ContentItem) (domain.PreCheckResult, error) {
	return f(ctx, item)
}

type extractFunc func(context.Context, domain.ContentItem, *domain.ContentItem) ([]domain.Claim, error)

func (f extractFunc) Run(ctx context.Context, item domain.ContentItem, quoted *domain.ContentItem) ([]domain.Claim, error) {
	return f(ctx, item, quoted)
}

type verifyFunc func(context.Context, []domain.Claim) ([]domain.FactCheck, error)

func (f verifyFunc) Run(ctx context.Context, claims []domain.Claim) ([]domain.FactCheck, error) {
	return f(ctx, claims)
}

type scoreFunc func(context.Context, domain.ContentItem, []domain.Claim, []domain.FactCheck) (*domain.ValueScore, error)

func (f scoreFunc) Run(
	ctx context.Context,
	item domain.ContentItem,
	claims []domain.Claim,
	factChecks []domain.FactCheck,
) (*domain.ValueScore, error) {
	return f(ctx, item, claims, factChecks)
}

// failingStore rejects success writes and accepts failure writes.
type failingStore struct {
	*store.MemoryStore
}

func (s failingStore) UpdateContentInsights(ctx context.Context, contentID string, update domain.InsightsUpdate) error {
	if update.ClearError {
		return errors.New("disk full")
	}
	return s.MemoryStore.UpdateContentInsights(ctx, contentID, update)
}

// countingStore records how many writes each content id received.
type countingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes map[string]int
}

func (s *countingStore) UpdateContentInsights(ctx context.Context, contentID string, update domain.InsightsUpdate) error {
	s.mu.Lock()
	s.writes[contentID]++
	s.mu.Unlock()
	return s.MemoryStore.UpdateContentInsights(ctx, contentID, update)
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		mutate func(d *Dependencies)
		want   string
	}{
		{name: "precheck", mutate: func(d *Dependencies) { d.Precheck = nil }, want: "precheck"},
		{name: "extraction", mutate: func(d *Dependencies) { d.Extraction = nil }, want: "extraction"},
		{name: "verification", mutate: func(d *Dependencies) { d.Verification = nil }, want: "verification"},
		{name: "scoring", mutate: func(d *Dependencies) { d.Scoring = nil }, want: "scoring"},
		{name: "store", mutate: func(d *Dependencies) { d.Store = nil }, want: "store"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := h.deps
			tt.mutate(&deps)
			_, err := NewOrchestrator(deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestOrchestrator_Process_FullRun(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	result, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Nil(t, result.Error)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []string{
		domain.StepPrecheck, domain.StepExtractClaims, domain.StepVerifyClaims, domain.StepScoreValue,
	}, result.StepsCompleted)
	require.NotNil(t, result.PreCheck)
	assert.True(t, result.PreCheck.NeedsFactCheck)
	require.Len(t, result.Claims, 2)
	require.Len(t, result.FactChecks, 2)
	for i, fc := range result.FactChecks {
		assert.Equal(t, result.Claims[i].ID, fc.ClaimID, "fact checks follow claim order")
		assert.Equal(t, domain.VerdictTrue, fc.Verdict)
	}
	assert.Equal(t, domain.FactCheckClean, result.FactCheckStatus)
	require.NotNil(t, result.ValueScore)
	assert.Equal(t, testutils.FixedTime, result.ProcessedAt)

	rec, err := h.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, domain.FactCheckClean, rec.FactCheckStatus)
	assert.False(t, rec.Processing)
	assert.Nil(t, rec.Error)
	assert.Len(t, rec.Claims, 2)
	assert.NotNil(t, rec.ValueScore)

	jobs := h.publishedJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.SideEffectReputationUpdate, jobs[0].Type)
	assert.Equal(t, item.AuthorID, jobs[0].UserID)
}

func TestOrchestrator_Process_EmptyItemMakesNoModelCalls(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	item := domain.ContentItem{ID: "post-empty", AuthorID: "user-1", Text: "   "}

	result, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{domain.StepPrecheck}, result.StepsCompleted)
	assert.Equal(t, domain.FactCheckClean, result.FactCheckStatus)
	assert.Empty(t, result.Claims)
	assert.Empty(t, result.FactChecks)
	assert.Nil(t, result.ValueScore)
	assert.Empty(t, h.client.Calls())
}

func TestOrchestrator_Process_InvalidItem(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	result, err := o.Process(context.Background(), domain.ContentItem{Text: "no id"}, nil, domain.PipelineOptions{})

	require.ErrorIs(t, err, ErrInvalidContent)
	assert.Empty(t, h.client.Calls())
	assert.False(t, result.Success)
	assert.Equal(t, domain.StatusFailed, result.Status)
	require.NotNil(t, result.Error, "a failed result always carries its error")
	assert.False(t, result.Error.IsRetryable)
	assert.Empty(t, result.StepsCompleted)
}

func TestOrchestrator_Process_Failures(t *testing.T) {
	authErr := &ports.AuthenticationError{Provider: "mock", Err: errors.New("invalid api key")}

	tests := []struct {
		name          string
		setup         func(h *pipelineHarness)
		wantStep      string
		wantRetryable bool
		wantSteps     []string
	}{
		{
			name: "authentication failure during extraction",
			setup: func(h *pipelineHarness) {
				h.client.AddResponse(testutils.MockResponse{Pattern: testutils.PatternExtraction, Err: authErr})
			},
			wantStep:      domain.StepExtractClaims,
			wantRetryable: false,
			wantSteps:     []string{domain.StepPrecheck},
		},
		{
			name: "authentication failure during precheck",
			setup: func(h *pipelineHarness) {
				h.client.AddResponse(testutils.MockResponse{Pattern: testutils.PatternPrecheck, Err: authErr})
			},
			wantStep:      domain.StepPrecheck,
			wantRetryable: false,
			wantSteps:     []string{},
		},
		{
			name: "verification error",
			setup: func(h *pipelineHarness) {
				h.deps.Verification = verifyFunc(func(context.Context, []domain.Claim) ([]domain.FactCheck, error) {
					return nil, errors.New("verifier crashed")
				})
			},
			wantStep:      domain.StepVerifyClaims,
			wantRetryable: true,
			wantSteps:     []string{domain.StepPrecheck, domain.StepExtractClaims},
		},
		{
			name: "verification returns too few fact checks",
			setup: func(h *pipelineHarness) {
				h.deps.Verification = verifyFunc(func(_ context.Context, claims []domain.Claim) ([]domain.FactCheck, error) {
					return []domain.FactCheck{{ClaimID: claims[0].ID, Verdict: domain.VerdictTrue}}, nil
				})
			},
			wantStep:      domain.StepVerifyClaims,
			wantRetryable: true,
			wantSteps:     []string{domain.StepPrecheck, domain.StepExtractClaims},
		},
		{
			name: "scoring model error",
			setup: func(h *pipelineHarness) {
				h.client.AddResponse(testutils.MockResponse{Pattern: testutils.PatternScoring, Response: "not json"})
			},
			wantStep:      domain.StepScoreValue,
			wantRetryable: true,
			wantSteps:     []string{domain.StepPrecheck, domain.StepExtractClaims, domain.StepVerifyClaims},
		},
		{
			name: "panicking scorer",
			setup: func(h *pipelineHarness) {
				h.deps.Scoring = scoreFunc(func(context.Context, domain.ContentItem, []domain.Claim, []domain.FactCheck) (*domain.ValueScore, error) {
					panic("nil map write")
				})
			},
			wantStep:      domain.StepScoreValue,
			wantRetryable: true,
			wantSteps:     []string{domain.StepPrecheck, domain.StepExtractClaims, domain.StepVerifyClaims},
		},
		{
			name: "success write rejected",
			setup: func(h *pipelineHarness) {
				h.deps.Store = failingStore{h.store}
			},
			wantStep:      domain.StepPersist,
			wantRetryable: true,
			wantSteps: []string{
				domain.StepPrecheck, domain.StepExtractClaims, domain.StepVerifyClaims, domain.StepScoreValue,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			o := h.orchestrator(t)
			item := testutils.NewsItem()

			result, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{})
			require.NoError(t, err)

			assert.False(t, result.Success)
			assert.Equal(t, domain.StatusFailed, result.Status)
			require.NotNil(t, result.Error)
			assert.Equal(t, tt.wantStep, result.Error.Step)
			assert.Equal(t, tt.wantRetryable, result.Error.IsRetryable)
			assert.NotEmpty(t, result.Error.Message)
			assert.Equal(t, tt.wantSteps, result.StepsCompleted)

			rec, err := h.store.Get(context.Background(), item.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, rec.Status)
			assert.False(t, rec.Processing)
			require.NotNil(t, rec.Error)
			assert.Equal(t, tt.wantStep, rec.Error.Step)
			assert.Empty(t, rec.Claims, "a failure write never stores claims")
			assert.Nil(t, rec.ValueScore)

			assert.Empty(t, h.publishedJobs(t), "failed runs publish no side effects")
		})
	}
}

func TestOrchestrator_Process_FailureKeepsEarlierSuccess(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	first, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	require.NoError(t, err)
	require.True(t, first.Success)

	h.client.AddResponse(testutils.MockResponse{
		Pattern: testutils.PatternExtraction,
		Err:     &ports.AuthenticationError{Provider: "mock"},
	})
	second, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	require.NoError(t, err)
	require.False(t, second.Success)

	rec, err := h.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Len(t, rec.Claims, 2, "claims from the earlier run survive")
	assert.Equal(t, domain.FactCheckClean, rec.FactCheckStatus)
	assert.NotNil(t, rec.ValueScore)
}

func TestOrchestrator_Process_BlocksConfidentFalseHealthClaim(t *testing.T) {
	h := newHarness(t)
	h.client.AddResponse(testutils.MockResponse{
		Pattern: testutils.PatternExtraction,
		Response: `{"claims": [{"id": "c1", "text": "Drinking bleach cures the flu.", "type": "fact", ` +
			`"domain": "health", "riskLevel": "high", "confidence": 0.95}]}`,
	})
	h.client.AddResponse(testutils.MockResponse{
		Pattern:  testutils.PatternVerification,
		Response: `{"verdict": "false", "confidence": 0.97, "evidence": [], "caveats": []}`,
	})
	o := h.orchestrator(t)
	item := domain.ContentItem{
		ID:        "post-health",
		AuthorID:  "user-3",
		Text:      "Drinking bleach cures the flu.",
		Topic:     "health",
		CreatedAt: testutils.FixedTime,
	}

	result, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Len(t, result.FactChecks, 1)
	assert.Equal(t, domain.VerdictFalse, result.FactChecks[0].Verdict)
	assert.Equal(t, domain.FactCheckBlocked, result.FactCheckStatus)

	jobs := h.publishedJobs(t)
	require.Len(t, jobs, 2)
	types := []domain.SideEffectType{jobs[0].Type, jobs[1].Type}
	assert.ElementsMatch(t, []domain.SideEffectType{
		domain.SideEffectReputationUpdate, domain.SideEffectModerationNotice,
	}, types)
}

func TestOrchestrator_Process_EarlyExits(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *pipelineHarness)
		item      domain.ContentItem
		wantSteps []string
	}{
		{
			name: "precheck says no fact check needed",
			setup: func(h *pipelineHarness) {
				h.client.AddResponse(testutils.MockResponse{
					Pattern:  testutils.PatternPrecheck,
					Response: `{"needsFactCheck": false, "confidence": 0.95, "contentType": "personal"}`,
				})
			},
			item:      testutils.PersonalItem(),
			wantSteps: []string{domain.StepPrecheck},
		},
		{
			name: "extraction finds no claims",
			setup: func(h *pipelineHarness) {
				h.deps.Extraction = extractFunc(func(context.Context, domain.ContentItem, *domain.ContentItem) ([]domain.Claim, error) {
					return nil, nil
				})
			},
			item:      testutils.NewsItem(),
			wantSteps: []string{domain.StepPrecheck, domain.StepExtractClaims},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			o := h.orchestrator(t)

			result, err := o.Process(context.Background(), tt.item, nil, domain.PipelineOptions{})
			require.NoError(t, err)

			assert.True(t, result.Success)
			assert.Equal(t, tt.wantSteps, result.StepsCompleted)
			assert.Equal(t, domain.FactCheckClean, result.FactCheckStatus)
			assert.Empty(t, result.Claims)
			assert.Empty(t, result.FactChecks)
			assert.Nil(t, result.ValueScore)
			assert.Zero(t, h.client.CallsMatching(testutils.PatternVerification))
			assert.Zero(t, h.client.CallsMatching(testutils.PatternScoring))
		})
	}
}

func TestOrchestrator_Process_SkipOptions(t *testing.T) {
	tests := []struct {
		name      string
		opts      domain.PipelineOptions
		wantSteps []string
		wantScore bool
		wantPre   bool
	}{
		{
			name:      "skip precheck",
			opts:      domain.PipelineOptions{SkipPrecheck: true},
			wantSteps: []string{domain.StepExtractClaims, domain.StepVerifyClaims, domain.StepScoreValue},
			wantScore: true,
		},
		{
			name:      "skip value scoring",
			opts:      domain.PipelineOptions{SkipValueScoring: true},
			wantSteps: []string{domain.StepPrecheck, domain.StepExtractClaims, domain.StepVerifyClaims},
			wantPre:   true,
		},
		{
			name:      "skip both",
			opts:      domain.PipelineOptions{SkipPrecheck: true, SkipValueScoring: true},
			wantSteps: []string{domain.StepExtractClaims, domain.StepVerifyClaims},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			o := h.orchestrator(t)

			result, err := o.Process(context.Background(), testutils.NewsItem(), nil, tt.opts)
			require.NoError(t, err)

			assert.True(t, result.Success)
			assert.Equal(t, tt.wantSteps, result.StepsCompleted)
			assert.Equal(t, tt.wantScore, result.ValueScore != nil)
			assert.Equal(t, tt.wantPre, result.PreCheck != nil)
			if !tt.wantPre {
				assert.Zero(t, h.client.CallsMatching(testutils.PatternPrecheck))
			}
			if !tt.wantScore {
				assert.Zero(t, h.client.CallsMatching(testutils.PatternScoring))
			}
		})
	}
}

func TestOrchestrator_Process_PassesQuotedItemToExtraction(t *testing.T) {
	h := newHarness(t)
	parent := testutils.NewsItem()
	reply := testutils.ReplyTo(parent, "reply-1", "Is that right?")

	var got *domain.ContentItem
	h.deps.Extraction = extractFunc(func(_ context.Context, _ domain.ContentItem, quoted *domain.ContentItem) ([]domain.Claim, error) {
		got = quoted
		return nil, nil
	})
	o := h.orchestrator(t)

	_, err := o.Process(context.Background(), reply, &parent, domain.PipelineOptions{})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, parent.ID, got.ID)
}

func TestOrchestrator_Process_CancelledCallerStillPersists(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Process(ctx, item, nil, domain.PipelineOptions{})
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.StepPrecheck, result.Error.Step)

	rec, err := h.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
}

func TestOrchestrator_Process_ConcurrentSameItem(t *testing.T) {
	h := newHarness(t)
	counting := &countingStore{MemoryStore: h.store, writes: make(map[string]int)}
	h.deps.Store = counting

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.deps.Precheck = precheckFunc(func(context.Context, domain.ContentItem) (domain.PreCheckResult, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return domain.PreCheckResult{NeedsFactCheck: true, Confidence: 0.9, ContentType: domain.ContentTypeNews}, nil
	})
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	const callers = 8
	results := make([]domain.PipelineResult, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	}()
	<-entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = o.Process(context.Background(), item, nil, domain.PipelineOptions{})
		}()
	}
	close(release)
	wg.Wait()

	for i, r := range results {
		assert.True(t, r.Success, "caller %d", i)
		assert.Len(t, r.Claims, 2)
	}

	rec, err := h.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Len(t, rec.Claims, 2)
	assert.Len(t, rec.FactChecks, 2)
	assert.False(t, rec.Processing)
	assert.GreaterOrEqual(t, counting.writes[item.ID], 1)
}

func TestOrchestrator_Process_CallersGetIndependentResults(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	result, err := o.Process(context.Background(), testutils.NewsItem(), nil, domain.PipelineOptions{})
	require.NoError(t, err)
	result.StepsCompleted[0] = "tampered"

	rec, err := h.store.Get(context.Background(), testutils.NewsItem().ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepPrecheck, rec.StepsCompleted[0])
}

func TestOrchestrator_Process_RerunWithoutScoringErasesScore(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	first, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	require.NoError(t, err)
	require.NotNil(t, first.ValueScore)

	second, err := o.Process(context.Background(), item, nil, domain.PipelineOptions{SkipValueScoring: true, SkipPrecheck: true})
	require.NoError(t, err)
	require.True(t, second.Success)
	assert.Nil(t, second.ValueScore)

	rec, err := h.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Nil(t, rec.ValueScore, "the stored record matches the latest run")
	assert.Nil(t, rec.PreCheck)
	assert.Equal(t, second.StepsCompleted, rec.StepsCompleted)
}

// blockingPrecheck parks every call until release is closed or its context
// ends, signalling entered on the first call.
func blockingPrecheck(entered chan<- struct{}, release <-chan struct{}) precheckFunc {
	return func(ctx context.Context, _ domain.ContentItem) (domain.PreCheckResult, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return domain.PreCheckResult{NeedsFactCheck: true, Confidence: 0.9, ContentType: domain.ContentTypeNews}, nil
		case <-ctx.Done():
			return domain.PreCheckResult{}, ctx.Err()
		}
	}
}

func (o *Orchestrator) waitersFor(item domain.ContentItem, opts domain.PipelineOptions) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.inflight[flightKey(item, nil, opts.WithDefaults())]
	if !ok {
		return 0
	}
	return f.waiters
}

func TestOrchestrator_Process_ConcurrentCallersWithDifferentOptions(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.deps.Precheck = blockingPrecheck(entered, release)
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	var unscored, scored domain.PipelineResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		unscored, _ = o.Process(context.Background(), item, nil, domain.PipelineOptions{SkipValueScoring: true})
	}()
	<-entered
	go func() {
		defer wg.Done()
		scored, _ = o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	}()
	require.Eventually(t, func() bool {
		return o.waitersFor(item, domain.PipelineOptions{}) == 1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.True(t, unscored.Success)
	require.True(t, scored.Success)
	assert.Nil(t, unscored.ValueScore)
	assert.NotNil(t, scored.ValueScore, "a caller asking for scoring is not served a skipped run")
	assert.Contains(t, scored.StepsCompleted, domain.StepScoreValue)
}

func TestOrchestrator_Process_LeaderCancellationSparesFollowers(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.deps.Precheck = blockingPrecheck(entered, release)
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()

	var leader, follower domain.PipelineResult
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		leader, _ = o.Process(leaderCtx, item, nil, domain.PipelineOptions{})
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		follower, _ = o.Process(context.Background(), item, nil, domain.PipelineOptions{})
	}()
	require.Eventually(t, func() bool {
		return o.waitersFor(item, domain.PipelineOptions{}) == 2
	}, time.Second, time.Millisecond)

	cancelLeader()
	require.Eventually(t, func() bool {
		return o.waitersFor(item, domain.PipelineOptions{}) == 1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.False(t, leader.Success)
	require.NotNil(t, leader.Error)
	assert.Equal(t, domain.StepPrecheck, leader.Error.Step)

	require.True(t, follower.Success, "follower error: %+v", follower.Error)
	assert.Len(t, follower.Claims, 2)

	rec, err := h.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
}

func TestOrchestrator_Process_LastCallerCancellationStopsRun(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{}, 1)
	h.deps.Precheck = blockingPrecheck(entered, release)
	o := h.orchestrator(t)
	item := testutils.NewsItem()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.PipelineResult, 1)
	go func() {
		r, _ := o.Process(ctx, item, nil, domain.PipelineOptions{})
		done <- r
	}()
	<-entered
	cancel()

	result := <-done
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.StepPrecheck, result.Error.Step)
	assert.True(t, result.Error.IsRetryable)

	rec, err := h.store.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Zero(t, o.waitersFor(item, domain.PipelineOptions{}))
}
