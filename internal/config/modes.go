package config

import "vigil/internal/types"

// DefaultModes is the built-in behavior mode registry. New behaviors are
// data: add an entry to the modes table in vigil.yaml instead of code.
func DefaultModes() []types.Mode {
	return []types.Mode{
		{
			Name:          "reflection",
			Prompt:        "Time for quiet reflection. Share a brief philosophical thought or observation, or stay silent.",
			WeightNight:   4,
			WeightMorning: 1,
			WeightDefault: 2,
		},
		{
			Name:          "curiosity",
			Prompt:        "What are you curious about right now? Share a brief question or wonder.",
			WeightNight:   2,
			WeightMorning: 3,
			WeightDefault: 3,
		},
		{
			Name:          "practical",
			Prompt:        "What practical task or improvement could be done? Suggest something brief and actionable.",
			WeightNight:   1,
			WeightMorning: 4,
			WeightDefault: 3,
		},
		{
			Name:          "ambient",
			Prompt:        "Just exist. Share a simple observation about this moment, or be silent.",
			WeightNight:   3,
			WeightMorning: 2,
			WeightDefault: 2,
		},
		{
			Name:          "greeting",
			Prompt:        "Say something friendly. Or stay quiet if it's not the right moment.",
			WeightNight:   1,
			WeightMorning: 4,
			WeightDefault: 2,
		},
		{
			Name:          "creative",
			Prompt:        "Express yourself creatively. Write a short poem, haiku, or imaginative thought.",
			WeightNight:   3,
			WeightMorning: 1,
			WeightDefault: 2,
		},
	}
}
