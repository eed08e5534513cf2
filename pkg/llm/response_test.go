package llm

import (
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "bare object",
			response: `{"title": "Hello"}`,
			want:     `{"title": "Hello"}`,
		},
		{
			name:     "fenced block",
			response: "Here you go:\n```json\n{\"title\": \"Fenced\"}\n```\nEnjoy.",
			want:     `{"title": "Fenced"}`,
		},
		{
			name:     "think tags before object",
			response: "<think>The user wants {a slide}.</think>\n{\"title\": \"After thinking\"}",
			want:     `{"title": "After thinking"}`,
		},
		{
			name:     "braces inside strings",
			response: `Sure! {"body": "use {curly} braces", "title": "T"} done`,
			want:     `{"body": "use {curly} braces", "title": "T"}`,
		},
		{
			name:     "skips invalid leading braces",
			response: `{not json} then {"title": "second"}`,
			want:     `{"title": "second"}`,
		},
		{
			name:     "no object",
			response: "I cannot help with that.",
			wantErr:  true,
		},
		{
			name:     "unterminated",
			response: `{"title": "oops"`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.response)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseJSONResponse_SlideContent(t *testing.T) {
	response := "```json\n{\"title\": \"Why Bees Matter\", \"body\": \"- Pollination\", \"image_prompt\": \"A bee on a flower\"}\n```"

	slide, err := ParseJSONResponse[SlideContent](response)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slide.Title != "Why Bees Matter" {
		t.Errorf("unexpected title %q", slide.Title)
	}
	if slide.ImagePrompt != "A bee on a flower" {
		t.Errorf("unexpected image prompt %q", slide.ImagePrompt)
	}
}

func TestParseJSONResponse_TypeMismatch(t *testing.T) {
	_, err := ParseJSONResponse[SlideContent](`{"title": 42}`)
	if err == nil {
		t.Error("expected unmarshal error for mismatched type")
	}
}
