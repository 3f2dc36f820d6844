package portal

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

var ErrPromptRequired = errors.New("prompt is required")

type StoryRequest struct {
	Prompt     string   `json:"prompt"`
	Genre      string   `json:"genre"`
	Characters []string `json:"characters"`
}

// Generator produces a story for a request. The portal ships a local template
// generator; a model-backed one can be plugged in through app wiring.
type Generator interface {
	Generate(ctx context.Context, req StoryRequest) (string, error)
}

type TemplateGenerator struct{}

var (
	openings = []string{
		"Long before anyone thought to write it down,",
		"On a night when the wind refused to settle,",
		"Nobody in the village expected that",
		"It began, as these things often do, when",
	}
	turns = []string{
		"but the road ahead had other plans.",
		"and nothing would be quite the same again.",
		"until a single mistake changed everything.",
		"and the answer was closer than anyone guessed.",
	}
)

// Generate is deterministic: the same request always yields the same text.
func (TemplateGenerator) Generate(ctx context.Context, req StoryRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrPromptRequired
	}

	genre := strings.ToLower(strings.TrimSpace(req.Genre))
	if genre == "" {
		genre = "tale"
	}

	cast := "a stranger"
	names := make([]string, 0, len(req.Characters))
	for _, c := range req.Characters {
		if c = strings.TrimSpace(c); c != "" {
			names = append(names, c)
		}
	}
	switch len(names) {
	case 0:
	case 1:
		cast = names[0]
	default:
		cast = strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt + "|" + genre + "|" + cast))
	seed := h.Sum32()

	var b strings.Builder
	fmt.Fprintf(&b, "A %s. %s %s set out because %s, ", genre, openings[seed%uint32(len(openings))], cast, strings.TrimSuffix(prompt, "."))
	b.WriteString(turns[(seed/7)%uint32(len(turns))])
	return b.String(), nil
}
