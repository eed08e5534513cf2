// Package export renders finished projects into presentation files.
package export

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/models"
	"github.com/ekaya-inc/ekaya-decks/pkg/storage"
)

// PresentationExporter writes a project as a presentation document.
type PresentationExporter interface {
	Export(ctx context.Context, project *models.Project, w io.Writer) error
	ContentType() string
}

// ImageReader loads stored slide images.
type ImageReader interface {
	ReadImage(ctx context.Context, img models.ImageData) ([]byte, error)
}

// HTMLExporter renders a self-contained HTML deck: one section per slide,
// bodies converted from Markdown, images inlined as data URIs.
type HTMLExporter struct {
	images ImageReader
	md     goldmark.Markdown
	logger *zap.Logger
}

func NewHTMLExporter(images ImageReader, logger *zap.Logger) *HTMLExporter {
	return &HTMLExporter{
		images: images,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger: logger.Named("export"),
	}
}

func (e *HTMLExporter) ContentType() string {
	return "text/html; charset=utf-8"
}

type slideView struct {
	Number   int
	Title    string
	Body     template.HTML
	Notes    string
	ImageURI template.URL
	ImageAlt string
	Style    designStyle
}

type designStyle struct {
	Slide template.CSS
	Title template.CSS
	Body  template.CSS
}

var (
	colorPattern = regexp.MustCompile(`^#(?:[0-9A-Fa-f]{3}|[0-9A-Fa-f]{6}|[0-9A-Fa-f]{8})$`)
	fontPattern  = regexp.MustCompile(`^[A-Za-z0-9 \-]+$`)
)

// styleFor turns a design into inline CSS. Values that are not plain hex
// colors or font names fall back to the adults preset.
func styleFor(d models.DesignSpec) designStyle {
	fallback := models.DesignFor(models.AudienceAdults)
	color := func(v, def string) string {
		if colorPattern.MatchString(v) {
			return v
		}
		return def
	}
	font := d.FontFamily
	if !fontPattern.MatchString(font) {
		font = fallback.FontFamily
	}
	size := func(v, def int) int {
		if v > 0 && v <= 200 {
			return v
		}
		return def
	}

	// Only validated values reach these strings.
	return designStyle{
		Slide: template.CSS(fmt.Sprintf("background: %s; color: %s; font-family: '%s', sans-serif;", //nolint:gosec
			color(d.BackgroundColor, fallback.BackgroundColor), color(d.TextColor, fallback.TextColor), font)),
		Title: template.CSS(fmt.Sprintf("color: %s; font-size: %dpx;", //nolint:gosec
			color(d.AccentColor, fallback.AccentColor), size(d.TitleFontSize, fallback.TitleFontSize))),
		Body: template.CSS(fmt.Sprintf("font-size: %dpx;", size(d.BodyFontSize, fallback.BodyFontSize))), //nolint:gosec
	}
}

type deckView struct {
	Name      string
	Audience  models.Audience
	ShowNotes bool
	Slides    []slideView
}

func (e *HTMLExporter) Export(ctx context.Context, project *models.Project, w io.Writer) error {
	view := deckView{
		Name:      project.Name,
		Audience:  project.Audience,
		ShowNotes: project.Settings.IncludeSpeakerNotes,
		Slides:    make([]slideView, 0, len(project.Slides)),
	}

	slides := append([]models.Slide(nil), project.Slides...)
	models.SortSlides(slides)

	for _, slide := range slides {
		if err := ctx.Err(); err != nil {
			return err
		}

		var body bytes.Buffer
		if err := e.md.Convert([]byte(slide.Content), &body); err != nil {
			return fmt.Errorf("failed to render slide %d: %w", slide.Number, err)
		}

		sv := slideView{
			Number: slide.Number,
			Title:  slide.Title,
			// goldmark escapes raw HTML in the source unless WithUnsafe is set.
			Body:  template.HTML(body.String()), //nolint:gosec
			Notes: slide.Notes,
			Style: styleFor(slide.Design),
		}
		if slide.Image != nil {
			data, err := e.images.ReadImage(ctx, *slide.Image)
			if err != nil {
				e.logger.Warn("Skipping missing slide image",
					zap.String("project_id", project.ID.String()),
					zap.Int("slide", slide.Number),
					zap.Error(err))
			} else {
				sv.ImageURI = template.URL(fmt.Sprintf("data:%s;base64,%s", //nolint:gosec
					storage.ContentTypeFor(slide.Image.Format), base64.StdEncoding.EncodeToString(data)))
				sv.ImageAlt = slide.Image.Prompt
			}
		}
		view.Slides = append(view.Slides, sv)
	}

	if err := deckTemplate.Execute(w, view); err != nil {
		return fmt.Errorf("failed to write deck: %w", err)
	}
	return nil
}

var deckTemplate = template.Must(template.New("deck").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Name}}</title>
<style>
body { margin: 0; background: #222; }
section.slide { box-sizing: border-box; width: 1280px; min-height: 720px; margin: 24px auto; padding: 48px; display: flex; gap: 32px; }
section.slide .text { flex: 1; }
section.slide img { max-width: 480px; max-height: 480px; align-self: center; }
aside.notes { font-size: 14px; opacity: 0.7; border-top: 1px solid; margin-top: 24px; padding-top: 8px; }
</style>
</head>
<body data-audience="{{.Audience}}">
{{- range .Slides}}
<section class="slide" id="slide-{{.Number}}" style="{{.Style.Slide}}">
  <div class="text">
    <h1 style="{{.Style.Title}}">{{.Title}}</h1>
    <div class="body" style="{{.Style.Body}}">{{.Body}}</div>
    {{- if and $.ShowNotes .Notes}}
    <aside class="notes">{{.Notes}}</aside>
    {{- end}}
  </div>
  {{- if .ImageURI}}
  <img src="{{.ImageURI}}" alt="{{.ImageAlt}}">
  {{- end}}
</section>
{{- end}}
</body>
</html>
`))

var _ PresentationExporter = (*HTMLExporter)(nil)

// Filename derives a download name for an HTML export of a deck.
func Filename(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		default:
			return -1
		}
	}, name)
	if clean == "" {
		clean = "deck"
	}
	return clean + ".html"
}
