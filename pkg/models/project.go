// Package models contains domain types for ekaya-decks.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Audience selects tone, vocabulary and visual design for a deck.
type Audience string

const (
	AudienceKids     Audience = "kids"
	AudienceAdults   Audience = "adults"
	AudienceBusiness Audience = "business"
)

// ValidAudiences contains all valid audience values.
var ValidAudiences = []Audience{AudienceKids, AudienceAdults, AudienceBusiness}

// IsValid checks if the audience is one of the known values.
func (a Audience) IsValid() bool {
	for _, v := range ValidAudiences {
		if v == a {
			return true
		}
	}
	return false
}

// ParseAudience parses a case-insensitive audience name.
func ParseAudience(s string) (Audience, error) {
	a := Audience(strings.ToLower(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("unknown audience %q", s)
	}
	return a, nil
}

// Project is the persisted aggregate produced by a generation run.
// KeyPoints and Slides are kept ordered by ordinal / slide number.
type Project struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Audience    Audience        `json:"audience"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	SourceFiles []SourceFile    `json:"source_files"`
	KeyPoints   []KeyPoint      `json:"key_points"`
	Slides      []Slide         `json:"slides"`
	Settings    ProjectSettings `json:"settings"`
}

// SourceFile references an uploaded document the deck was built from.
type SourceFile struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	MediaType string    `json:"media_type,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
}

// ProjectSettings holds per-project generation preferences.
type ProjectSettings struct {
	ImageSize           string `json:"image_size,omitempty"`
	ImageQuality        string `json:"image_quality,omitempty"`
	ImageStyle          string `json:"image_style,omitempty"`
	IncludeSpeakerNotes bool   `json:"include_speaker_notes"`
	Language            string `json:"language,omitempty"`
}

// DefaultProjectSettings returns settings used for newly created projects.
func DefaultProjectSettings() ProjectSettings {
	return ProjectSettings{
		ImageSize:           "1024x1024",
		ImageQuality:        "standard",
		ImageStyle:          "vivid",
		IncludeSpeakerNotes: true,
		Language:            "en",
	}
}

// SlideByNumber returns the slide with the given 1-based number, or nil.
func (p *Project) SlideByNumber(number int) *Slide {
	for i := range p.Slides {
		if p.Slides[i].Number == number {
			return &p.Slides[i]
		}
	}
	return nil
}

// ImageIDs returns the ids of every image referenced by the project's slides.
func (p *Project) ImageIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, s := range p.Slides {
		if s.Image != nil {
			ids = append(ids, s.Image.ID)
		}
	}
	return ids
}

// Clone returns a deep copy of the project. Identities are preserved;
// callers that need new identities assign them on the copy.
func (p *Project) Clone() *Project {
	c := *p
	c.SourceFiles = append([]SourceFile(nil), p.SourceFiles...)
	c.KeyPoints = make([]KeyPoint, len(p.KeyPoints))
	for i, kp := range p.KeyPoints {
		c.KeyPoints[i] = kp.clone()
	}
	c.Slides = make([]Slide, len(p.Slides))
	for i, s := range p.Slides {
		c.Slides[i] = s.Clone()
	}
	return &c
}
