// Package persona defines the companion's character: display identity, voice
// settings, the system prompt handed to language model providers, and the
// emotion tag attached to every spoken response.
package persona

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"companion/internal/domain"
)

// Persona is the loaded character definition.
type Persona struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description,omitempty"`
	Greetings    []string `yaml:"greetings,omitempty"`
	SystemPrompt string   `yaml:"systemPrompt"`
	Voice        Voice    `yaml:"voice,omitempty"`

	// Emotions maps an emotion tag to keywords that trigger it in a response.
	Emotions map[string][]string `yaml:"emotions,omitempty"`
}

// Voice carries text-to-speech parameters passed through to the synthesizer.
type Voice struct {
	Model string  `yaml:"model,omitempty"`
	Name  string  `yaml:"name,omitempty"`
	Speed float64 `yaml:"speed,omitempty"`
}

// Default returns the built-in persona used when no file is configured.
func Default() *Persona {
	return &Persona{
		Name: "Companion",
		Greetings: []string{
			"Hey! I'm here.",
			"Hi there, what can I do for you?",
		},
		SystemPrompt: "You are a warm, concise voice companion. Keep answers short " +
			"and conversational; they will be spoken aloud.",
		Voice: Voice{Model: "tts-1", Name: "nova", Speed: 1.0},
		Emotions: map[string][]string{
			string(domain.EmotionHappy):     {"great", "awesome", "glad", "congrat", "sent your message", "done!"},
			string(domain.EmotionThinking):  {"let me", "hmm", "which", "who should", "who would", "what should"},
			string(domain.EmotionConcerned): {"sorry", "couldn't", "can't", "failed", "isn't connected", "trouble"},
		},
	}
}

// Load reads a persona YAML file, falling back to the default for a missing
// path and filling unset fields from the default.
func Load(path string, logger *slog.Logger) (*Persona, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Warn("persona file missing, using built-in persona", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persona: %w", err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = Default().Name
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = Default().SystemPrompt
	}
	logger.Info("persona loaded", "name", p.Name, "path", path)
	return p, nil
}

// Greeting picks one of the configured greetings.
func (p *Persona) Greeting() string {
	if len(p.Greetings) == 0 {
		return "Hello!"
	}
	return p.Greetings[rand.Intn(len(p.Greetings))]
}

// Classify tags a response with an emotion by keyword matching, first match in
// tag order happy, thinking, concerned; anything else reads neutral.
func (p *Persona) Classify(response string) domain.Emotion {
	lower := strings.ToLower(response)
	for _, tag := range []domain.Emotion{domain.EmotionHappy, domain.EmotionThinking, domain.EmotionConcerned} {
		for _, kw := range p.Emotions[string(tag)] {
			if strings.Contains(lower, kw) {
				return tag
			}
		}
	}
	return domain.EmotionNeutral
}
