package executors

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/lexflow/lexflow/internal/pipeline/retry"
)

// Entity is one mention found in a chunk of text.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Relationship links two resolved entities that appear together.
type Relationship struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

// ExtractEntities is the built-in extraction processor: a heuristic
// capitalized-phrase scanner. Deployments plug real analysis engines in
// through the Processor interface; this default keeps a bare install
// producing end-to-end output.
func ExtractEntities(ctx context.Context, documentID uuid.UUID, input []byte) ([]byte, error) {
	var text string
	if err := json.Unmarshal(input, &text); err != nil {
		// sequential tasks pass raw text, sub-tasks a JSON string
		text = string(input)
	}

	var entities []Entity
	seen := make(map[string]bool)
	for _, phrase := range capitalizedPhrases(text) {
		if seen[phrase] {
			continue
		}
		seen[phrase] = true
		entities = append(entities, Entity{Name: phrase, Kind: "mention"})
	}
	return json.Marshal(entities)
}

// ResolveEntities merges extraction outputs, deduplicating mentions by
// case-insensitive name.
func ResolveEntities(ctx context.Context, documentID uuid.UUID, input []byte) ([]byte, error) {
	var byUnit map[string][]Entity
	if err := json.Unmarshal(input, &byUnit); err != nil {
		return nil, retry.Integrity(err)
	}

	canonical := make(map[string]Entity)
	for _, entities := range byUnit {
		for _, entity := range entities {
			key := strings.ToLower(entity.Name)
			if _, ok := canonical[key]; !ok {
				canonical[key] = entity
			}
		}
	}

	resolved := make([]Entity, 0, len(canonical))
	for _, entity := range canonical {
		resolved = append(resolved, entity)
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Name < resolved[j].Name })
	return json.Marshal(resolved)
}

// BuildRelationships pairs every resolved entity with its successor, a
// stand-in co-occurrence builder.
func BuildRelationships(ctx context.Context, documentID uuid.UUID, input []byte) ([]byte, error) {
	var entities []Entity
	if err := json.Unmarshal(input, &entities); err != nil {
		return nil, retry.Integrity(err)
	}

	relationships := make([]Relationship, 0)
	for i := 1; i < len(entities); i++ {
		relationships = append(relationships, Relationship{
			From: entities[i-1].Name,
			To:   entities[i].Name,
			Kind: "co_occurrence",
		})
	}
	return json.Marshal(relationships)
}

func capitalizedPhrases(text string) []string {
	var phrases []string
	var current []string
	flush := func() {
		if len(current) > 0 {
			phrases = append(phrases, strings.Join(current, " "))
			current = nil
		}
	}
	for _, word := range strings.Fields(text) {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		runes := []rune(trimmed)
		if unicode.IsUpper(runes[0]) && len(runes) > 1 {
			current = append(current, trimmed)
		} else {
			flush()
		}
	}
	flush()
	return phrases
}
