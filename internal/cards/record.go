// Package cards holds the canonical card and deck records that flow through the
// pipeline, together with one normalizer per upstream source shape.
package cards

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Source identifies which upstream shape a record was normalized from.
type Source string

const (
	// SourceAPI is the paginated card API.
	SourceAPI Source = "api"
	// SourceRaw is the static bulk data files.
	SourceRaw Source = "raw"
)

// ErrInvalidRecord marks records that cannot be normalized or fail validation.
var ErrInvalidRecord = errors.New("cards: invalid record")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Ability is a canonical card ability.
type Ability struct {
	Name string `json:"name"`
	Text string `json:"text,omitempty"`
	Type string `json:"type,omitempty"`
}

// Attack is a canonical card attack.
type Attack struct {
	Name                string   `json:"name"`
	Cost                []string `json:"cost"`
	ConvertedEnergyCost int      `json:"converted_energy_cost"`
	Damage              string   `json:"damage,omitempty"`
	Text                string   `json:"text,omitempty"`
}

// TypeModifier is a weakness or resistance entry.
type TypeModifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// CardRecord is a card in the canonical storage shape.
type CardRecord struct {
	ExternalID             string         `json:"external_id" validate:"required"`
	Name                   string         `json:"name" validate:"required"`
	Supertype              string         `json:"supertype,omitempty"`
	Subtypes               []string       `json:"subtypes"`
	HP                     *int           `json:"hp"`
	Types                  []string       `json:"types"`
	EvolvesFrom            string         `json:"evolves_from,omitempty"`
	Rules                  []string       `json:"rules"`
	Abilities              []Ability      `json:"abilities"`
	Attacks                []Attack       `json:"attacks"`
	Weaknesses             []TypeModifier `json:"weaknesses"`
	Resistances            []TypeModifier `json:"resistances"`
	RetreatCost            []string       `json:"retreat_cost"`
	ConvertedRetreatCost   int            `json:"converted_retreat_cost"`
	SetCode                string         `json:"set_code,omitempty"`
	SetName                string         `json:"set_name,omitempty"`
	Number                 string         `json:"number,omitempty"`
	Artist                 string         `json:"artist,omitempty"`
	Rarity                 string         `json:"rarity,omitempty"`
	FlavorText             string         `json:"flavor_text,omitempty"`
	NationalPokedexNumbers []int          `json:"national_pokedex_numbers"`
	RegulationMark         string         `json:"regulation_mark,omitempty"`
	ImageSmall             string         `json:"image_small,omitempty"`
	ImageLarge             string         `json:"image_large,omitempty"`
	Source                 Source         `json:"source"`
}

// DeckCardRef is a deck entry pointing at a card by external id.
type DeckCardRef struct {
	ExternalID string `json:"external_id" validate:"required"`
	Name       string `json:"name"`
	Rarity     string `json:"rarity,omitempty"`
	Quantity   int    `json:"quantity"`
}

// DeckRecord is a deck in the canonical storage shape.
type DeckRecord struct {
	ExternalID string        `json:"external_id" validate:"required"`
	Name       string        `json:"name" validate:"required"`
	SetCode    string        `json:"set_code,omitempty"`
	Types      []string      `json:"types"`
	Cards      []DeckCardRef `json:"cards"`
	Source     Source        `json:"source"`
}

// Validate checks the record invariants: external id and name are present.
func (r CardRecord) Validate() error {
	return validateStruct(r)
}

// Validate checks the deck invariants. Card references are validated by the resolver.
func (r DeckRecord) Validate() error {
	return validateStruct(r)
}

// Key returns the external id, the de-duplication key.
func (r CardRecord) Key() string { return r.ExternalID }

// Key returns the external id, the de-duplication key.
func (r DeckRecord) Key() string { return r.ExternalID }

func validateStruct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	messages := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		messages = append(messages, fmt.Sprintf("%s failed %q", fieldError.StructField(), fieldError.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(messages, ", "))
}

// SetCodeFromExternalID recovers the set code embedded in a composite card id
// such as "sv3pt5-151". It returns "" when the id has no set prefix.
func SetCodeFromExternalID(externalID string) string {
	trimmed := strings.TrimSpace(externalID)
	index := strings.LastIndex(trimmed, "-")
	if index <= 0 {
		return ""
	}
	return trimmed[:index]
}
