package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Importance is an optional weighting the analysis attaches to a key point.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// ParseImportance returns nil for empty or unknown values.
func ParseImportance(s string) *Importance {
	switch imp := Importance(s); imp {
	case ImportanceHigh, ImportanceMedium, ImportanceLow:
		return &imp
	}
	return nil
}

// KeyPoint is one idea extracted from the source document.
// Ordinal is 1-based and defines presentation order.
type KeyPoint struct {
	Content    string      `json:"content"`
	Ordinal    int         `json:"ordinal"`
	Importance *Importance `json:"importance,omitempty"`
}

func (k KeyPoint) clone() KeyPoint {
	if k.Importance != nil {
		imp := *k.Importance
		k.Importance = &imp
	}
	return k
}

// SortKeyPoints orders key points by ordinal in place.
func SortKeyPoints(points []KeyPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Ordinal < points[j].Ordinal
	})
}

// ValidateOrdinals checks that ordinals are unique and contiguous starting at 1.
func ValidateOrdinals(points []KeyPoint) error {
	seen := make(map[int]bool, len(points))
	for _, kp := range points {
		if kp.Ordinal < 1 || kp.Ordinal > len(points) {
			return fmt.Errorf("ordinal %d out of range [1, %d]", kp.Ordinal, len(points))
		}
		if seen[kp.Ordinal] {
			return fmt.Errorf("duplicate ordinal %d", kp.Ordinal)
		}
		seen[kp.Ordinal] = true
	}
	return nil
}

// Slide is a generated slide. Number equals the ordinal of its KeyPoint.
type Slide struct {
	ID          uuid.UUID  `json:"id"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Notes       string     `json:"notes,omitempty"`
	ImagePrompt string     `json:"image_prompt,omitempty"`
	Image       *ImageData `json:"image,omitempty"`
	Design      DesignSpec `json:"design"`
}

// Clone returns a deep copy of the slide.
func (s Slide) Clone() Slide {
	if s.Image != nil {
		img := *s.Image
		s.Image = &img
	}
	return s
}

// SortSlides orders slides by number in place.
func SortSlides(slides []Slide) {
	sort.SliceStable(slides, func(i, j int) bool {
		return slides[i].Number < slides[j].Number
	})
}

// ImageData describes an image file owned by exactly one slide.
// FileRef is the storage reference; the id also names the stored file.
type ImageData struct {
	ID            uuid.UUID `json:"id"`
	FileRef       string    `json:"file_ref"`
	SourceURL     string    `json:"source_url,omitempty"`
	Prompt        string    `json:"prompt"`
	RevisedPrompt string    `json:"revised_prompt,omitempty"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Format        string    `json:"format"`
	CreatedAt     time.Time `json:"created_at"`
}
