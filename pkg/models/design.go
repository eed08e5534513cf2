package models

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// DesignSpec is the audience-driven styling applied to a slide.
type DesignSpec struct {
	BackgroundColor string `json:"background_color" yaml:"background_color"`
	TextColor       string `json:"text_color" yaml:"text_color"`
	AccentColor     string `json:"accent_color" yaml:"accent_color"`
	FontFamily      string `json:"font_family" yaml:"font_family"`
	TitleFontSize   int    `json:"title_font_size" yaml:"title_font_size"`
	BodyFontSize    int    `json:"body_font_size" yaml:"body_font_size"`
}

//go:embed presets/design.yaml
var designPresetsYAML []byte

var (
	designPresets     map[Audience]DesignSpec
	designPresetsOnce sync.Once
	designPresetsErr  error
)

// ParseDesignPresets decodes a YAML document mapping audience names to designs.
func ParseDesignPresets(data []byte) (map[Audience]DesignSpec, error) {
	var raw map[string]DesignSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse design presets: %w", err)
	}

	presets := make(map[Audience]DesignSpec, len(raw))
	for name, spec := range raw {
		audience, err := ParseAudience(name)
		if err != nil {
			return nil, fmt.Errorf("design presets: %w", err)
		}
		presets[audience] = spec
	}
	for _, a := range ValidAudiences {
		if _, ok := presets[a]; !ok {
			return nil, fmt.Errorf("design presets: missing audience %q", a)
		}
	}
	return presets, nil
}

// DesignFor returns the embedded design preset for an audience.
// Unknown audiences get the adults preset.
func DesignFor(audience Audience) DesignSpec {
	designPresetsOnce.Do(func() {
		designPresets, designPresetsErr = ParseDesignPresets(designPresetsYAML)
	})
	if designPresetsErr != nil {
		// The embedded file is covered by tests; this only fires on a broken build.
		panic(designPresetsErr)
	}
	if spec, ok := designPresets[audience]; ok {
		return spec
	}
	return designPresets[AudienceAdults]
}
