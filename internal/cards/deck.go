package cards

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RawDeck is a deck from the bulk data files.
type RawDeck struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Types []string `json:"types"`
	Cards []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Rarity string `json:"rarity"`
		Count  int    `json:"count"`
	} `json:"cards"`
}

// DeckNormalizer maps raw deck payloads of one set onto DeckRecords.
type DeckNormalizer struct {
	setCode string
}

// NewDeckNormalizer returns a deck normalizer for the given set.
func NewDeckNormalizer(setCode string) DeckNormalizer {
	return DeckNormalizer{setCode: strings.TrimSpace(setCode)}
}

// NormalizeDeck decodes and validates a raw deck. Card quantities are carried as-is.
func (n DeckNormalizer) NormalizeDeck(raw json.RawMessage) (DeckRecord, error) {
	var deck RawDeck
	if err := json.Unmarshal(raw, &deck); err != nil {
		return DeckRecord{}, fmt.Errorf("%w: decode raw deck: %v", ErrInvalidRecord, err)
	}

	refs := make([]DeckCardRef, 0, len(deck.Cards))
	for _, card := range deck.Cards {
		refs = append(refs, DeckCardRef{
			ExternalID: strings.TrimSpace(card.ID),
			Name:       strings.TrimSpace(card.Name),
			Rarity:     strings.TrimSpace(card.Rarity),
			Quantity:   card.Count,
		})
	}

	record := DeckRecord{
		ExternalID: strings.TrimSpace(deck.ID),
		Name:       strings.TrimSpace(deck.Name),
		SetCode:    n.setCode,
		Types:      nonNilStrings(deck.Types),
		Cards:      refs,
		Source:     SourceRaw,
	}
	return record, record.Validate()
}
