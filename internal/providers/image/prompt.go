package image

import (
	"strings"

	"portraitd/internal/prompt"
)

const (
	img2imgPrefix = "img2img, highly detailed portrait, exact facial features of input image"
	img2imgSuffix = "photorealistic portrait"
)

// ImageToImagePrompt adapts a composed prompt for edit-style APIs that take a
// single instruction and no negative prompt.
func ImageToImagePrompt(p prompt.Prompts) string {
	parts := []string{img2imgPrefix}
	if positive := strings.TrimSpace(p.Positive); positive != "" {
		parts = append(parts, positive)
	}
	parts = append(parts, img2imgSuffix)
	return strings.Join(parts, ", ")
}

// AspectRatioSize maps an aspect ratio string to the DashScope supported size token.
func AspectRatioSize(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1664*928"
	case "4:3":
		return "1472*1104"
	case "3:4":
		return "1140*1472"
	case "9:16":
		return "928*1664"
	default:
		return "1328*1328"
	}
}
