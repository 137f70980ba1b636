package testutils

import (
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
)

// FixedTime is the timestamp used by fixtures and injected clocks.
var FixedTime = time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC)

// NewsItem returns a post with checkable civic claims.
func NewsItem() domain.ContentItem {
	return domain.ContentItem{
		ID:        "post-1",
		AuthorID:  "user-1",
		Text:      "The city opened three new libraries in 2023. Library visits doubled after the openings.",
		Topic:     "politics",
		CreatedAt: FixedTime,
	}
}

// PersonalItem returns a post with no checkable claims.
func PersonalItem() domain.ContentItem {
	return domain.ContentItem{
		ID:        "post-2",
		AuthorID:  "user-2",
		Text:      "Had a lovely walk by the river this morning.",
		Topic:     "other",
		CreatedAt: FixedTime,
	}
}

// ImageItem returns a post whose claim lives in an attached chart.
func ImageItem() domain.ContentItem {
	return domain.ContentItem{
		ID:        "post-3",
		AuthorID:  "user-1",
		Text:      "Look at this chart.",
		ImageURL:  "https://example.org/chart.png",
		Topic:     "technology",
		CreatedAt: FixedTime,
	}
}

// ReplyTo returns a reply to parent.
func ReplyTo(parent domain.ContentItem, id, text string) domain.ContentItem {
	return domain.ContentItem{
		ID:              id,
		AuthorID:        "user-9",
		Text:            text,
		Topic:           parent.Topic,
		CreatedAt:       FixedTime,
		ParentContentID: parent.ID,
	}
}
