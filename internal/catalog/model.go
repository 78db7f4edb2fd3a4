package catalog

import (
	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	"gorm.io/datatypes"
)

// TargetKind names the table a deck link points at.
type TargetKind string

const (
	TargetCard         TargetKind = "card"
	TargetUnregistered TargetKind = "unregistered_card"
)

// Card is a card row keyed by its upstream external id.
type Card struct {
	CardID                 string                                  `gorm:"column:card_id;primaryKey;size:64;not null"`
	ExternalID             string                                  `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_cards_external_id"`
	Name                   string                                  `gorm:"column:name;size:255;not null;index:idx_cards_name"`
	Supertype              string                                  `gorm:"column:supertype;size:64;not null;default:''"`
	Subtypes               datatypes.JSONSlice[string]             `gorm:"column:subtypes"`
	HP                     *int                                    `gorm:"column:hp"`
	Types                  datatypes.JSONSlice[string]             `gorm:"column:types"`
	EvolvesFrom            string                                  `gorm:"column:evolves_from;size:255;not null;default:''"`
	Rules                  datatypes.JSONSlice[string]             `gorm:"column:rules"`
	Abilities              datatypes.JSONSlice[cards.Ability]      `gorm:"column:abilities"`
	Attacks                datatypes.JSONSlice[cards.Attack]       `gorm:"column:attacks"`
	Weaknesses             datatypes.JSONSlice[cards.TypeModifier] `gorm:"column:weaknesses"`
	Resistances            datatypes.JSONSlice[cards.TypeModifier] `gorm:"column:resistances"`
	RetreatCost            datatypes.JSONSlice[string]             `gorm:"column:retreat_cost"`
	ConvertedRetreatCost   int                                     `gorm:"column:converted_retreat_cost;not null;default:0"`
	SetCode                string                                  `gorm:"column:set_code;size:64;not null;default:'';index:idx_cards_set_code"`
	SetName                string                                  `gorm:"column:set_name;size:255;not null;default:''"`
	Number                 string                                  `gorm:"column:number;size:32;not null;default:''"`
	Artist                 string                                  `gorm:"column:artist;size:255;not null;default:''"`
	Rarity                 string                                  `gorm:"column:rarity;size:64;not null;default:''"`
	FlavorText             string                                  `gorm:"column:flavor_text;type:text;not null;default:''"`
	NationalPokedexNumbers datatypes.JSONSlice[int]                `gorm:"column:national_pokedex_numbers"`
	RegulationMark         string                                  `gorm:"column:regulation_mark;size:8;not null;default:'';index:idx_cards_regulation_mark"`
	ImageSmall             string                                  `gorm:"column:image_small;size:512;not null;default:''"`
	ImageLarge             string                                  `gorm:"column:image_large;size:512;not null;default:''"`
	Source                 string                                  `gorm:"column:source;size:16;not null"`
	CreatedAtSeconds       int64                                   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds       int64                                   `gorm:"column:updated_at_s;not null"`
}

func (Card) TableName() string {
	return "cards"
}

// Deck is a deck row keyed by its upstream external id.
type Deck struct {
	DeckID           string                      `gorm:"column:deck_id;primaryKey;size:64;not null"`
	ExternalID       string                      `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_decks_external_id"`
	Name             string                      `gorm:"column:name;size:255;not null"`
	SetCode          string                      `gorm:"column:set_code;size:64;not null;default:''"`
	Types            datatypes.JSONSlice[string] `gorm:"column:types"`
	Source           string                      `gorm:"column:source;size:16;not null"`
	CreatedAtSeconds int64                       `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64                       `gorm:"column:updated_at_s;not null"`
}

func (Deck) TableName() string {
	return "decks"
}

// DeckCard links a deck to a card or to a placeholder.
type DeckCard struct {
	DeckCardID       string     `gorm:"column:deck_card_id;primaryKey;size:64;not null"`
	DeckID           string     `gorm:"column:deck_id;size:64;not null;uniqueIndex:idx_deck_cards_target,priority:1"`
	TargetKind       TargetKind `gorm:"column:target_kind;size:32;not null;uniqueIndex:idx_deck_cards_target,priority:2"`
	TargetID         string     `gorm:"column:target_id;size:64;not null;uniqueIndex:idx_deck_cards_target,priority:3"`
	Quantity         int        `gorm:"column:quantity;not null"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64      `gorm:"column:updated_at_s;not null"`
}

func (DeckCard) TableName() string {
	return "deck_cards"
}

// UnregisteredCard stands in for a referenced card that has not been imported.
type UnregisteredCard struct {
	UnregisteredCardID string `gorm:"column:unregistered_card_id;primaryKey;size:64;not null"`
	Name               string `gorm:"column:name;size:255;not null;uniqueIndex:idx_unregistered_cards_key,priority:1"`
	ExternalID         string `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_unregistered_cards_key,priority:2"`
	SetCode            string `gorm:"column:set_code;size:64;not null;default:'';uniqueIndex:idx_unregistered_cards_key,priority:3"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds   int64  `gorm:"column:updated_at_s;not null"`
}

func (UnregisteredCard) TableName() string {
	return "unregistered_cards"
}

// Models lists every table owned by the catalog, in migration order.
func Models() []any {
	return []any{&Card{}, &Deck{}, &DeckCard{}, &UnregisteredCard{}}
}

func cardRow(record cards.CardRecord) Card {
	return Card{
		ExternalID:             record.ExternalID,
		Name:                   record.Name,
		Supertype:              record.Supertype,
		Subtypes:               datatypes.JSONSlice[string](nonNil(record.Subtypes)),
		HP:                     record.HP,
		Types:                  datatypes.JSONSlice[string](nonNil(record.Types)),
		EvolvesFrom:            record.EvolvesFrom,
		Rules:                  datatypes.JSONSlice[string](nonNil(record.Rules)),
		Abilities:              datatypes.JSONSlice[cards.Ability](nonNil(record.Abilities)),
		Attacks:                datatypes.JSONSlice[cards.Attack](nonNil(record.Attacks)),
		Weaknesses:             datatypes.JSONSlice[cards.TypeModifier](nonNil(record.Weaknesses)),
		Resistances:            datatypes.JSONSlice[cards.TypeModifier](nonNil(record.Resistances)),
		RetreatCost:            datatypes.JSONSlice[string](nonNil(record.RetreatCost)),
		ConvertedRetreatCost:   record.ConvertedRetreatCost,
		SetCode:                record.SetCode,
		SetName:                record.SetName,
		Number:                 record.Number,
		Artist:                 record.Artist,
		Rarity:                 record.Rarity,
		FlavorText:             record.FlavorText,
		NationalPokedexNumbers: datatypes.JSONSlice[int](nonNil(record.NationalPokedexNumbers)),
		RegulationMark:         record.RegulationMark,
		ImageSmall:             record.ImageSmall,
		ImageLarge:             record.ImageLarge,
		Source:                 string(record.Source),
	}
}

func deckRow(record cards.DeckRecord) Deck {
	return Deck{
		ExternalID: record.ExternalID,
		Name:       record.Name,
		SetCode:    record.SetCode,
		Types:      datatypes.JSONSlice[string](nonNil(record.Types)),
		Source:     string(record.Source),
	}
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
