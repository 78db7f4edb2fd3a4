package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errInvalidQuantity    = errors.New("quantity must be at least 1")
	errMissingReferenceID = errors.New("card reference external id is required")
)

// CardReference is a deck entry as it arrives from upstream.
type CardReference struct {
	ExternalID string
	Name       string
	Quantity   int
}

// LinkResult describes how a reference was linked.
type LinkResult struct {
	Target   TargetKind
	TargetID string
	// Created reports whether a new placeholder row was inserted.
	Created bool
}

// DeckImportReport counts deck rows and their links.
type DeckImportReport struct {
	Decks               ImportReport
	Links               int
	CardLinks           int
	PlaceholderLinks    int
	PlaceholdersCreated int
	FailedLinks         int
	PrunedLinks         int
}

// ResolveChild links the deck identified by deckID to the referenced card, or
// to an unregistered placeholder when no card has that external id.
func (s *Service) ResolveChild(ctx context.Context, deckID string, ref CardReference) (LinkResult, error) {
	var deck Deck
	err := s.db.WithContext(ctx).Where("deck_id = ?", deckID).Take(&deck).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LinkResult{}, newServiceError(opResolveChild, "deck_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opResolveChild, "deck_select_failed", err, zap.String("deck_id", deckID))
		return LinkResult{}, newServiceError(opResolveChild, "deck_select_failed", err)
	}

	var result LinkResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var resolveErr error
		result, resolveErr = s.resolveChild(tx, deck, ref)
		return resolveErr
	})
	if txErr != nil {
		if errors.Is(txErr, errInvalidQuantity) || errors.Is(txErr, errMissingReferenceID) {
			return LinkResult{}, newServiceError(opResolveChild, "invalid_reference", txErr)
		}
		s.logError(opResolveChild, "link_failed", txErr, zap.String("deck_id", deckID), zap.String("external_id", ref.ExternalID))
		return LinkResult{}, newServiceError(opResolveChild, "link_failed", txErr)
	}
	return result, nil
}

func (s *Service) resolveChild(tx *gorm.DB, deck Deck, ref CardReference) (LinkResult, error) {
	externalID := strings.TrimSpace(ref.ExternalID)
	if externalID == "" {
		return LinkResult{}, errMissingReferenceID
	}
	if ref.Quantity < 1 {
		return LinkResult{}, fmt.Errorf("%w: %s has %d", errInvalidQuantity, externalID, ref.Quantity)
	}

	var card Card
	err := tx.Where("external_id = ?", externalID).Take(&card).Error
	switch {
	case err == nil:
		if linkErr := s.upsertLink(tx, deck.DeckID, TargetCard, card.CardID, ref.Quantity); linkErr != nil {
			return LinkResult{}, linkErr
		}
		metrics.DeckLinksTotal.WithLabelValues(string(TargetCard)).Inc()
		return LinkResult{Target: TargetCard, TargetID: card.CardID}, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return LinkResult{}, err
	}

	setCode := cards.SetCodeFromExternalID(externalID)
	if setCode == "" {
		setCode = deck.SetCode
	}
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		name = externalID
	}
	placeholder, created, err := s.upsertPlaceholder(tx, name, externalID, setCode)
	if err != nil {
		return LinkResult{}, err
	}
	if linkErr := s.upsertLink(tx, deck.DeckID, TargetUnregistered, placeholder.UnregisteredCardID, ref.Quantity); linkErr != nil {
		return LinkResult{}, linkErr
	}
	metrics.DeckLinksTotal.WithLabelValues(string(TargetUnregistered)).Inc()
	s.logger.Warn("card reference unresolved, linked to placeholder",
		zap.String("deck_external_id", deck.ExternalID),
		zap.String("external_id", externalID),
		zap.String("set_code", setCode),
		zap.Bool("placeholder_created", created))
	return LinkResult{Target: TargetUnregistered, TargetID: placeholder.UnregisteredCardID, Created: created}, nil
}

func (s *Service) upsertPlaceholder(tx *gorm.DB, name, externalID, setCode string) (UnregisteredCard, bool, error) {
	now := s.clock().UTC().Unix()
	var existing UnregisteredCard
	err := tx.Where("name = ? AND external_id = ? AND set_code = ?", name, externalID, setCode).Take(&existing).Error
	if err == nil {
		if updateErr := tx.Model(&existing).Update("updated_at_s", now).Error; updateErr != nil {
			return UnregisteredCard{}, false, updateErr
		}
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return UnregisteredCard{}, false, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return UnregisteredCard{}, false, err
	}
	placeholder := UnregisteredCard{
		UnregisteredCardID: id,
		Name:               name,
		ExternalID:         externalID,
		SetCode:            setCode,
		CreatedAtSeconds:   now,
		UpdatedAtSeconds:   now,
	}
	if err := tx.Create(&placeholder).Error; err != nil {
		return UnregisteredCard{}, false, err
	}
	return placeholder, true, nil
}

func (s *Service) upsertLink(tx *gorm.DB, deckID string, kind TargetKind, targetID string, quantity int) error {
	id, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	now := s.clock().UTC().Unix()
	link := DeckCard{
		DeckCardID:       id,
		DeckID:           deckID,
		TargetKind:       kind,
		TargetID:         targetID,
		Quantity:         quantity,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "deck_id"}, {Name: "target_kind"}, {Name: "target_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at_s"}),
	}).Create(&link).Error
}

type linkKey struct {
	kind     TargetKind
	targetID string
}

// ImportDecks upserts decks on external id and resolves every card reference.
// Entries that reference the same card are summed. A failing reference rolls
// back alone; links left over from an earlier import of the deck are removed
// only when every reference of the deck resolved.
func (s *Service) ImportDecks(ctx context.Context, decks []cards.DeckRecord) (DeckImportReport, error) {
	report := DeckImportReport{}
	err := s.inBatches(ctx, opImportDecks, len(decks), func(tx *gorm.DB, index int) {
		record := decks[index]
		deck, created, deckErr := s.upsertDeck(tx, record)
		if deckErr != nil {
			report.Decks.fail(index, record.ExternalID, deckErr)
			metrics.ImportRecordsTotal.WithLabelValues("deck", "failed").Inc()
			s.logger.Warn("deck import failed",
				zap.Int("index", index),
				zap.String("external_id", record.ExternalID),
				zap.Error(deckErr))
			return
		}
		if created {
			report.Decks.Created++
			metrics.ImportRecordsTotal.WithLabelValues("deck", "created").Inc()
		} else {
			report.Decks.Updated++
			metrics.ImportRecordsTotal.WithLabelValues("deck", "updated").Inc()
		}

		kept := make(map[linkKey]struct{})
		failed := 0
		for _, ref := range combineReferences(record.Cards) {
			var result LinkResult
			linkErr := tx.Transaction(func(linkTx *gorm.DB) error {
				var resolveErr error
				result, resolveErr = s.resolveChild(linkTx, deck, ref)
				return resolveErr
			})
			if linkErr != nil {
				failed++
				report.FailedLinks++
				s.logger.Warn("deck card link failed",
					zap.String("deck_external_id", deck.ExternalID),
					zap.String("external_id", ref.ExternalID),
					zap.Error(linkErr))
				continue
			}
			report.Links++
			if result.Target == TargetCard {
				report.CardLinks++
			} else {
				report.PlaceholderLinks++
			}
			if result.Created {
				report.PlaceholdersCreated++
			}
			kept[linkKey{kind: result.Target, targetID: result.TargetID}] = struct{}{}
		}

		if failed == 0 {
			pruned, pruneErr := s.pruneLinks(tx, deck.DeckID, kept)
			if pruneErr != nil {
				s.logger.Warn("stale deck links not removed", zap.String("deck_external_id", deck.ExternalID), zap.Error(pruneErr))
			}
			report.PrunedLinks += pruned
		}
	})

	s.logger.Info("deck import complete",
		zap.Int("created", report.Decks.Created),
		zap.Int("updated", report.Decks.Updated),
		zap.Int("failed", report.Decks.Failed),
		zap.Int("card_links", report.CardLinks),
		zap.Int("placeholder_links", report.PlaceholderLinks),
		zap.Int("placeholders_created", report.PlaceholdersCreated),
		zap.Int("failed_links", report.FailedLinks))
	return report, err
}

func (s *Service) upsertDeck(tx *gorm.DB, record cards.DeckRecord) (Deck, bool, error) {
	if err := record.Validate(); err != nil {
		return Deck{}, false, err
	}
	row := deckRow(record)
	created := false
	err := tx.Transaction(func(deckTx *gorm.DB) error {
		now := s.clock().UTC().Unix()
		row.UpdatedAtSeconds = now

		var existing Deck
		lookupErr := deckTx.Where("external_id = ?", record.ExternalID).Take(&existing).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			id, idErr := s.idProvider.NewID()
			if idErr != nil {
				return idErr
			}
			row.DeckID = id
			row.CreatedAtSeconds = now
			created = true
			return deckTx.Create(&row).Error
		case lookupErr != nil:
			return lookupErr
		default:
			row.DeckID = existing.DeckID
			row.CreatedAtSeconds = existing.CreatedAtSeconds
			return deckTx.Save(&row).Error
		}
	})
	if err != nil {
		return Deck{}, false, err
	}
	return row, created, nil
}

func (s *Service) pruneLinks(tx *gorm.DB, deckID string, kept map[linkKey]struct{}) (int, error) {
	var links []DeckCard
	if err := tx.Where("deck_id = ?", deckID).Find(&links).Error; err != nil {
		return 0, err
	}
	stale := make([]string, 0)
	for _, link := range links {
		if _, ok := kept[linkKey{kind: link.TargetKind, targetID: link.TargetID}]; !ok {
			stale = append(stale, link.DeckCardID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := tx.Where("deck_card_id IN ?", stale).Delete(&DeckCard{}).Error; err != nil {
		return 0, err
	}
	return len(stale), nil
}

// combineReferences sums quantities of entries sharing an external id and
// keeps first-seen order. Entries without a positive quantity pass through
// unchanged so the resolver rejects them individually.
func combineReferences(entries []cards.DeckCardRef) []CardReference {
	combined := make([]CardReference, 0, len(entries))
	positions := make(map[string]int)
	for _, entry := range entries {
		ref := CardReference{ExternalID: strings.TrimSpace(entry.ExternalID), Name: entry.Name, Quantity: entry.Quantity}
		if ref.Quantity < 1 || ref.ExternalID == "" {
			combined = append(combined, ref)
			continue
		}
		if position, seen := positions[ref.ExternalID]; seen {
			combined[position].Quantity += ref.Quantity
			continue
		}
		positions[ref.ExternalID] = len(combined)
		combined = append(combined, ref)
	}
	return combined
}
