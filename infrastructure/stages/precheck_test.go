package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyronith/kurral-sub012/infrastructure/llm"
	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
	"github.com/heyronith/kurral-sub012/internal/testutils"
)

func TestPrecheckStage_Run(t *testing.T) {
	tests := []struct {
		name     string
		item     domain.ContentItem
		response *testutils.MockResponse
		want     domain.PreCheckResult
	}{
		{
			name: "model classification is returned",
			item: testutils.NewsItem(),
			want: domain.PreCheckResult{
				NeedsFactCheck: true,
				Confidence:     0.9,
				Reasoning:      "The post states measurable facts.",
				ContentType:    domain.ContentTypeNews,
			},
		},
		{
			name: "confidence is clamped and unknown content type becomes other",
			item: testutils.PersonalItem(),
			response: &testutils.MockResponse{
				Pattern:  testutils.PatternPrecheck,
				Response: `{"needsFactCheck": false, "confidence": 1.7, "contentType": "diary"}`,
			},
			want: domain.PreCheckResult{
				NeedsFactCheck: false,
				Confidence:     1,
				ContentType:    domain.ContentTypeOther,
			},
		},
		{
			name: "transport error assumes fact check needed",
			item: testutils.NewsItem(),
			response: &testutils.MockResponse{
				Pattern: testutils.PatternPrecheck,
				Err:     errNetwork,
			},
			want: domain.PreCheckResult{
				NeedsFactCheck: true,
				Confidence:     FailedPrecheckConfidence,
				Reasoning:      "classifier failed",
				ContentType:    domain.ContentTypeOther,
			},
		},
		{
			name: "unparseable response assumes fact check needed",
			item: testutils.NewsItem(),
			response: &testutils.MockResponse{
				Pattern:  testutils.PatternPrecheck,
				Response: "I think this needs checking.",
			},
			want: domain.PreCheckResult{
				NeedsFactCheck: true,
				Confidence:     FailedPrecheckConfidence,
				Reasoning:      "classifier failed",
				ContentType:    domain.ContentTypeOther,
			},
		},
		{
			name: "missing needsFactCheck is treated as a failure",
			item: testutils.NewsItem(),
			response: &testutils.MockResponse{
				Pattern:  testutils.PatternPrecheck,
				Response: `{"confidence": 0.4}`,
			},
			want: domain.PreCheckResult{
				NeedsFactCheck: true,
				Confidence:     FailedPrecheckConfidence,
				Reasoning:      "classifier failed",
				ContentType:    domain.ContentTypeOther,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, client := newMockGenerator()
			if tt.response != nil {
				client.AddResponse(*tt.response)
			}
			stage, err := NewPrecheckStage(gen, StageConfig{})
			require.NoError(t, err)

			got, err := stage.Run(context.Background(), tt.item)

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrecheckStage_EmptyItemSkipsModel(t *testing.T) {
	gen, client := newMockGenerator()
	stage, err := NewPrecheckStage(gen, StageConfig{})
	require.NoError(t, err)

	got, err := stage.Run(context.Background(), domain.ContentItem{ID: "empty", Text: "   "})

	require.NoError(t, err)
	assert.False(t, got.NeedsFactCheck)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, domain.ContentTypeOther, got.ContentType)
	assert.Empty(t, client.Calls())
}

func TestPrecheckStage_UnavailableClassifier(t *testing.T) {
	stage, err := NewPrecheckStage(llm.UnavailableGenerator(), StageConfig{})
	require.NoError(t, err)

	got, err := stage.Run(context.Background(), testutils.NewsItem())

	require.NoError(t, err)
	assert.True(t, got.NeedsFactCheck)
	assert.Equal(t, UnavailablePrecheckConfidence, got.Confidence)
}

func TestPrecheckStage_AuthenticationErrorPropagates(t *testing.T) {
	gen, client := newMockGenerator()
	client.AddResponse(testutils.MockResponse{
		Pattern: testutils.PatternPrecheck,
		Err:     &ports.AuthenticationError{Provider: "openai", Err: errors.New("401 invalid api key")},
	})
	stage, err := NewPrecheckStage(gen, StageConfig{})
	require.NoError(t, err)

	_, err = stage.Run(context.Background(), testutils.NewsItem())

	require.Error(t, err)
	assert.True(t, ports.IsAuthentication(err))
}

func TestPrecheckStage_ImageUsesVision(t *testing.T) {
	gen, client := newMockGenerator()
	stage, err := NewPrecheckStage(gen, StageConfig{})
	require.NoError(t, err)

	_, err = stage.Run(context.Background(), testutils.ImageItem())
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://example.org/chart.png", calls[0].Options[llm.OptImageURL])
	assert.Contains(t, calls[0].Prompt, "attached image")
}

func TestNewPrecheckStage_Validation(t *testing.T) {
	_, err := NewPrecheckStage(nil, StageConfig{})
	require.Error(t, err)

	gen, _ := newMockGenerator()
	_, err = NewPrecheckStage(gen, StageConfig{PromptTemplate: "{{.Broken"})
	require.Error(t, err)
}

func TestPrecheckStage_CustomPromptTemplate(t *testing.T) {
	gen, client := newMockGenerator()
	stage, err := NewPrecheckStage(gen, StageConfig{
		PromptTemplate: "You triage social posts quickly. Post: {{fence .Text}}",
	})
	require.NoError(t, err)

	_, err = stage.Run(context.Background(), testutils.NewsItem())
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "quickly. Post: ```\nThe city opened")
}
