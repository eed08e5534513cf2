package prompts

import (
	"fmt"
	"strings"
)

// AudienceGuide describes how generated text and images should be pitched.
type AudienceGuide struct {
	Name       string
	Tone       string
	ImageStyle string
}

// Guides keyed by audience name.
var Guides = map[string]AudienceGuide{
	"kids": {
		Name:       "children aged 8 to 12",
		Tone:       "Use short sentences, simple words, and a playful, encouraging tone. Avoid jargon.",
		ImageStyle: "bright, friendly cartoon illustration with soft shapes and no text",
	},
	"adults": {
		Name:       "a general adult audience",
		Tone:       "Be clear and engaging. Explain terms briefly when they first appear.",
		ImageStyle: "clean editorial illustration with natural colors and no text",
	},
	"business": {
		Name:       "business professionals and decision makers",
		Tone:       "Be concise and outcome focused. Prefer concrete figures and actionable statements.",
		ImageStyle: "minimal corporate photo-realistic scene, muted palette, no text or logos",
	},
}

// GuideFor returns the guide for an audience, falling back to adults.
func GuideFor(audience string) AudienceGuide {
	if g, ok := Guides[audience]; ok {
		return g
	}
	return Guides["adults"]
}

// AnalysisSystemMessage is the system message for document analysis.
const AnalysisSystemMessage = "You are a presentation designer who distills documents into slide outlines. " +
	"Respond with a single JSON object and nothing else."

// SlideSystemMessage is the system message for per-slide content.
const SlideSystemMessage = "You are a presentation writer producing the content of one slide at a time. " +
	"Respond with a single JSON object and nothing else."

// BuildAnalysisPrompt creates the prompt that extracts key points from document text.
// The response format is:
//
//	{"suggested_slide_count": 6, "key_points": [{"ordinal": 1, "content": "...", "importance": "high"}]}
func BuildAnalysisPrompt(text, audience string) string {
	guide := GuideFor(audience)
	var prompt strings.Builder

	prompt.WriteString("# Document Analysis\n\n")
	prompt.WriteString(fmt.Sprintf("The deck is for %s. %s\n\n", guide.Name, guide.Tone))
	prompt.WriteString("Identify the key points of the document below, in the order they should be presented. ")
	prompt.WriteString("Each key point becomes exactly one slide, so produce between 3 and 50 key points.\n\n")

	prompt.WriteString("## Response Format\n\n")
	prompt.WriteString("Return JSON with these fields:\n")
	prompt.WriteString("- `suggested_slide_count`: integer, how many slides the deck should have\n")
	prompt.WriteString("- `key_points`: array of objects with `ordinal` (1-based position), ")
	prompt.WriteString("`content` (one or two sentences), and `importance` (one of high, medium, low)\n\n")

	prompt.WriteString("## Document\n\n")
	prompt.WriteString(text)
	prompt.WriteString("\n")

	return prompt.String()
}

// BuildSlidePrompt creates the prompt for one slide's title, body and image prompt.
// The response format is:
//
//	{"title": "...", "body": "...", "image_prompt": "...", "notes": "..."}
func BuildSlidePrompt(keyPoint, audience string, slideNumber, totalSlides int, withNotes bool) string {
	guide := GuideFor(audience)
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("# Slide %d of %d\n\n", slideNumber, totalSlides))
	prompt.WriteString(fmt.Sprintf("Audience: %s. %s\n\n", guide.Name, guide.Tone))
	prompt.WriteString("## Key Point\n\n")
	prompt.WriteString(keyPoint)
	prompt.WriteString("\n\n")

	switch {
	case slideNumber == 1:
		prompt.WriteString("This is the opening slide: introduce the topic.\n\n")
	case slideNumber == totalSlides:
		prompt.WriteString("This is the closing slide: summarize and end with a takeaway.\n\n")
	}

	prompt.WriteString("## Response Format\n\n")
	prompt.WriteString("Return JSON with these fields:\n")
	prompt.WriteString("- `title`: at most 8 words\n")
	prompt.WriteString("- `body`: 2 to 5 Markdown bullet points\n")
	prompt.WriteString("- `image_prompt`: a one-sentence description of an illustration for this slide\n")
	if withNotes {
		prompt.WriteString("- `notes`: speaker notes, 2 to 4 sentences\n")
	}

	return prompt.String()
}

// BuildImagePrompt decorates a slide's image prompt with the audience's visual style.
func BuildImagePrompt(imagePrompt, audience string) string {
	guide := GuideFor(audience)
	return fmt.Sprintf("%s. Style: %s.", strings.TrimRight(strings.TrimSpace(imagePrompt), "."), guide.ImageStyle)
}
