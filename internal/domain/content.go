// Package domain defines the data model of the content value pipeline:
// content items, claims, fact checks, value scores and the persisted
// pipeline result, together with the pure policy rule that maps verdicts
// to a publication status.
package domain

import (
	"strings"
	"time"
)

// ContentItem is a user-authored post or reply. Items are created and owned
// outside the pipeline; the pipeline only reads them.
type ContentItem struct {
	ID              string    `json:"id" validate:"required"`
	AuthorID        string    `json:"authorId" validate:"required"`
	Text            string    `json:"text"`
	ImageURL        string    `json:"imageUrl,omitempty" validate:"omitempty,url"`
	Topic           string    `json:"topic"`
	CreatedAt       time.Time `json:"createdAt"`
	ParentContentID string    `json:"parentContentId,omitempty"`
}

// HasImage reports whether the item carries an image reference.
func (c ContentItem) HasImage() bool { return strings.TrimSpace(c.ImageURL) != "" }

// IsEmpty reports whether the item has neither text nor an image.
func (c ContentItem) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" && !c.HasImage()
}

// Kind returns "reply" for items with a parent and "post" otherwise.
func (c ContentItem) Kind() string {
	if c.ParentContentID != "" {
		return "reply"
	}
	return "post"
}

// ContentType classifies an item during pre-check.
type ContentType string

// Recognized content types.
const (
	ContentTypeNews         ContentType = "news"
	ContentTypeOpinion      ContentType = "opinion"
	ContentTypePersonal     ContentType = "personal"
	ContentTypeQuestion     ContentType = "question"
	ContentTypeAnnouncement ContentType = "announcement"
	ContentTypeHumor        ContentType = "humor"
	ContentTypeOther        ContentType = "other"
)

// ParseContentType maps free text onto a known ContentType, falling back
// to ContentTypeOther.
func ParseContentType(s string) ContentType {
	switch ct := ContentType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ContentTypeNews, ContentTypeOpinion, ContentTypePersonal, ContentTypeQuestion,
		ContentTypeAnnouncement, ContentTypeHumor:
		return ct
	default:
		return ContentTypeOther
	}
}

// PreCheckResult is the outcome of the cheap "does this need checking"
// classifier. It is produced once per run and never persisted on its own.
type PreCheckResult struct {
	NeedsFactCheck bool        `json:"needsFactCheck"`
	Confidence     float64     `json:"confidence"`
	Reasoning      string      `json:"reasoning"`
	ContentType    ContentType `json:"contentType"`
}
