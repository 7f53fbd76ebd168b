package models

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrEmptyPrompt        = errors.New("prompt cannot be empty")
	ErrInvalidPreset      = errors.New("invalid temperature preset")
	ErrInvalidImageSize   = errors.New("invalid image size")
	ErrInvalidAspectRatio = errors.New("invalid aspect ratio")
	ErrInvalidVariants    = errors.New("variant count out of range")
)

const (
	MinVariants = 1
	MaxVariants = 8
)

type Preset string

const (
	PresetDeterministic Preset = "deterministic"
	PresetConservative  Preset = "conservative"
	PresetBalanced      Preset = "balanced"
	PresetCreative      Preset = "creative"
	PresetWild          Preset = "wild"
)

func ValidPresets() []Preset {
	return []Preset{PresetDeterministic, PresetConservative, PresetBalanced, PresetCreative, PresetWild}
}

func (p Preset) IsValid() bool {
	return slices.Contains(ValidPresets(), p)
}

func (p Preset) String() string {
	return string(p)
}

type ImageSize string

const (
	ImageSize1K ImageSize = "1K"
	ImageSize2K ImageSize = "2K"
	ImageSize4K ImageSize = "4K"
)

func ValidImageSizes() []ImageSize {
	return []ImageSize{ImageSize1K, ImageSize2K, ImageSize4K}
}

func (s ImageSize) IsValid() bool {
	return slices.Contains(ValidImageSizes(), s)
}

func (s ImageSize) String() string {
	return string(s)
}

type AspectRatio string

const (
	AspectSquare AspectRatio = "1:1"
	Aspect2x3    AspectRatio = "2:3"
	Aspect3x2    AspectRatio = "3:2"
	Aspect3x4    AspectRatio = "3:4"
	Aspect4x3    AspectRatio = "4:3"
	Aspect4x5    AspectRatio = "4:5"
	Aspect5x4    AspectRatio = "5:4"
	Aspect9x16   AspectRatio = "9:16"
	Aspect16x9   AspectRatio = "16:9"
	Aspect21x9   AspectRatio = "21:9"
)

func ValidAspectRatios() []AspectRatio {
	return []AspectRatio{
		AspectSquare, Aspect2x3, Aspect3x2, Aspect3x4, Aspect4x3,
		Aspect4x5, Aspect5x4, Aspect9x16, Aspect16x9, Aspect21x9,
	}
}

func (a AspectRatio) IsValid() bool {
	return slices.Contains(ValidAspectRatios(), a)
}

func (a AspectRatio) String() string {
	return string(a)
}

// Orientation reports "landscape", "portrait" or "square".
func (a AspectRatio) Orientation() string {
	var w, h int
	if _, err := fmt.Sscanf(string(a), "%d:%d", &w, &h); err != nil || w == h {
		return "square"
	}
	if w > h {
		return "landscape"
	}
	return "portrait"
}

// GenerationSettings is attached to every iteration and sent to the image
// generator unchanged.
type GenerationSettings struct {
	Preset      Preset      `json:"preset"`
	ImageSize   ImageSize   `json:"image_size"`
	AspectRatio AspectRatio `json:"aspect_ratio"`
	NumVariants int         `json:"num_variants"`
}

func DefaultSettings() GenerationSettings {
	return GenerationSettings{
		Preset:      PresetBalanced,
		ImageSize:   ImageSize2K,
		AspectRatio: Aspect16x9,
		NumVariants: 1,
	}
}

func (s GenerationSettings) Validate() error {
	if !s.Preset.IsValid() {
		return fmt.Errorf("%w: %q not in %v", ErrInvalidPreset, s.Preset, ValidPresets())
	}
	if !s.ImageSize.IsValid() {
		return fmt.Errorf("%w: %q not in %v", ErrInvalidImageSize, s.ImageSize, ValidImageSizes())
	}
	if !s.AspectRatio.IsValid() {
		return fmt.Errorf("%w: %q not in %v", ErrInvalidAspectRatio, s.AspectRatio, ValidAspectRatios())
	}
	if s.NumVariants < MinVariants || s.NumVariants > MaxVariants {
		return fmt.Errorf("%w: must be %d..%d, got %d", ErrInvalidVariants, MinVariants, MaxVariants, s.NumVariants)
	}
	return nil
}

// Merge returns s with every non-zero field of override applied.
func (s GenerationSettings) Merge(override *GenerationSettings) GenerationSettings {
	if override == nil {
		return s
	}
	if override.Preset != "" {
		s.Preset = override.Preset
	}
	if override.ImageSize != "" {
		s.ImageSize = override.ImageSize
	}
	if override.AspectRatio != "" {
		s.AspectRatio = override.AspectRatio
	}
	if override.NumVariants != 0 {
		s.NumVariants = override.NumVariants
	}
	return s
}
