package cards

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CardNormalizer maps one upstream card payload onto a CardRecord.
type CardNormalizer interface {
	Source() Source
	NormalizeCard(raw json.RawMessage) (CardRecord, error)
}

// NewAPINormalizer returns the normalizer for the paginated card API.
func NewAPINormalizer() CardNormalizer {
	return apiNormalizer{}
}

// NewRawNormalizer returns the normalizer for bulk data files of one set.
// Raw card files carry no set object, so the set code comes from the file name.
func NewRawNormalizer(setCode string) CardNormalizer {
	return rawNormalizer{setCode: strings.TrimSpace(setCode)}
}

// flexString decodes a JSON string or number into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*f = flexString(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*f = flexString(number.String())
	return nil
}

type sourceAbility struct {
	Name string `json:"name"`
	Text string `json:"text"`
	Type string `json:"type"`
}

type sourceAttack struct {
	Name                string     `json:"name"`
	Cost                []string   `json:"cost"`
	ConvertedEnergyCost int        `json:"convertedEnergyCost"`
	Damage              flexString `json:"damage"`
	Text                string     `json:"text"`
}

type sourceTypeModifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sourceImages struct {
	Small string `json:"small"`
	Large string `json:"large"`
}

// sourceCardFields are shared by both card shapes.
type sourceCardFields struct {
	ID                     string               `json:"id"`
	Name                   string               `json:"name"`
	Supertype              string               `json:"supertype"`
	Subtypes               []string             `json:"subtypes"`
	HP                     flexString           `json:"hp"`
	Types                  []string             `json:"types"`
	EvolvesFrom            string               `json:"evolvesFrom"`
	Rules                  []string             `json:"rules"`
	Attacks                []sourceAttack       `json:"attacks"`
	Weaknesses             []sourceTypeModifier `json:"weaknesses"`
	Resistances            []sourceTypeModifier `json:"resistances"`
	RetreatCost            []string             `json:"retreatCost"`
	ConvertedRetreatCost   int                  `json:"convertedRetreatCost"`
	Number                 flexString           `json:"number"`
	Artist                 string               `json:"artist"`
	Rarity                 string               `json:"rarity"`
	FlavorText             string               `json:"flavorText"`
	NationalPokedexNumbers []int                `json:"nationalPokedexNumbers"`
	RegulationMark         string               `json:"regulationMark"`
	Images                 sourceImages         `json:"images"`
}

// APICard is a card as served by the paginated API.
type APICard struct {
	sourceCardFields
	Abilities []sourceAbility `json:"abilities"`
	Set       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"set"`
}

// RawCard is a card from the bulk data files. Older files carry a single
// "ability" object instead of the "abilities" array.
type RawCard struct {
	sourceCardFields
	Abilities     []sourceAbility `json:"abilities"`
	LegacyAbility *sourceAbility  `json:"ability"`
}

type apiNormalizer struct{}

func (apiNormalizer) Source() Source { return SourceAPI }

func (apiNormalizer) NormalizeCard(raw json.RawMessage) (CardRecord, error) {
	var card APICard
	if err := json.Unmarshal(raw, &card); err != nil {
		return CardRecord{}, fmt.Errorf("%w: decode api card: %v", ErrInvalidRecord, err)
	}
	record, err := normalizeCommon(card.sourceCardFields, SourceAPI)
	if err != nil {
		return CardRecord{}, err
	}
	record.Abilities = mapAbilities(card.Abilities)
	record.SetCode = strings.TrimSpace(card.Set.ID)
	record.SetName = strings.TrimSpace(card.Set.Name)
	if record.SetCode == "" {
		record.SetCode = SetCodeFromExternalID(record.ExternalID)
	}
	return record, record.Validate()
}

type rawNormalizer struct {
	setCode string
}

func (rawNormalizer) Source() Source { return SourceRaw }

func (n rawNormalizer) NormalizeCard(raw json.RawMessage) (CardRecord, error) {
	var card RawCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return CardRecord{}, fmt.Errorf("%w: decode raw card: %v", ErrInvalidRecord, err)
	}
	record, err := normalizeCommon(card.sourceCardFields, SourceRaw)
	if err != nil {
		return CardRecord{}, err
	}
	abilities := card.Abilities
	if len(abilities) == 0 && card.LegacyAbility != nil {
		abilities = []sourceAbility{*card.LegacyAbility}
	}
	record.Abilities = mapAbilities(abilities)
	record.SetCode = n.setCode
	if record.SetCode == "" {
		record.SetCode = SetCodeFromExternalID(record.ExternalID)
	}
	return record, record.Validate()
}

func normalizeCommon(card sourceCardFields, source Source) (CardRecord, error) {
	hp, err := parseHP(string(card.HP))
	if err != nil {
		return CardRecord{}, fmt.Errorf("%w: card %q: %v", ErrInvalidRecord, card.ID, err)
	}

	attacks := make([]Attack, 0, len(card.Attacks))
	for _, attack := range card.Attacks {
		attacks = append(attacks, Attack{
			Name:                strings.TrimSpace(attack.Name),
			Cost:                nonNilStrings(attack.Cost),
			ConvertedEnergyCost: attack.ConvertedEnergyCost,
			Damage:              strings.TrimSpace(string(attack.Damage)),
			Text:                strings.TrimSpace(attack.Text),
		})
	}

	return CardRecord{
		ExternalID:             strings.TrimSpace(card.ID),
		Name:                   strings.TrimSpace(card.Name),
		Supertype:              strings.TrimSpace(card.Supertype),
		Subtypes:               nonNilStrings(card.Subtypes),
		HP:                     hp,
		Types:                  nonNilStrings(card.Types),
		EvolvesFrom:            strings.TrimSpace(card.EvolvesFrom),
		Rules:                  nonNilStrings(card.Rules),
		Attacks:                attacks,
		Weaknesses:             mapModifiers(card.Weaknesses),
		Resistances:            mapModifiers(card.Resistances),
		RetreatCost:            nonNilStrings(card.RetreatCost),
		ConvertedRetreatCost:   card.ConvertedRetreatCost,
		Number:                 strings.TrimSpace(string(card.Number)),
		Artist:                 strings.TrimSpace(card.Artist),
		Rarity:                 strings.TrimSpace(card.Rarity),
		FlavorText:             strings.TrimSpace(card.FlavorText),
		NationalPokedexNumbers: nonNilInts(card.NationalPokedexNumbers),
		RegulationMark:         strings.TrimSpace(card.RegulationMark),
		ImageSmall:             strings.TrimSpace(card.Images.Small),
		ImageLarge:             strings.TrimSpace(card.Images.Large),
		Source:                 source,
	}, nil
}

// parseHP accepts "", "70" and "70+" style values. Empty means no HP (trainers, energy).
func parseHP(value string) (*int, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(value), "+")
	if trimmed == "" || trimmed == "None" {
		return nil, nil
	}
	hp, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hp %q", value)
	}
	return &hp, nil
}

func mapAbilities(in []sourceAbility) []Ability {
	out := make([]Ability, 0, len(in))
	for _, ability := range in {
		out = append(out, Ability{
			Name: strings.TrimSpace(ability.Name),
			Text: strings.TrimSpace(ability.Text),
			Type: strings.TrimSpace(ability.Type),
		})
	}
	return out
}

func mapModifiers(in []sourceTypeModifier) []TypeModifier {
	out := make([]TypeModifier, 0, len(in))
	for _, modifier := range in {
		out = append(out, TypeModifier{
			Type:  strings.TrimSpace(modifier.Type),
			Value: strings.TrimSpace(modifier.Value),
		})
	}
	return out
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilInts(in []int) []int {
	if in == nil {
		return []int{}
	}
	return in
}
