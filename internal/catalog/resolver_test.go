package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
)

func sampleDeck(externalID string, refs ...cards.DeckCardRef) cards.DeckRecord {
	return cards.DeckRecord{
		ExternalID: externalID,
		Name:       "Starter " + externalID,
		SetCode:    "sv1",
		Types:      []string{"Grass"},
		Cards:      refs,
		Source:     cards.SourceRaw,
	}
}

func TestImportDecksFallsBackToPlaceholder(t *testing.T) {
	service, db, _ := newTestService(t, 10)
	if _, err := service.ImportCards(context.Background(), []cards.CardRecord{sampleCard("sv1-1", "Pineco")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deck := sampleDeck("d-sv1-1",
		cards.DeckCardRef{ExternalID: "sv1-1", Name: "Pineco", Quantity: 4},
		cards.DeckCardRef{ExternalID: "xyz-99", Name: "Mystery", Quantity: 2},
	)
	report, err := service.ImportDecks(context.Background(), []cards.DeckRecord{deck})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Decks.Created != 1 || report.CardLinks != 1 || report.PlaceholderLinks != 1 || report.PlaceholdersCreated != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	var placeholders []UnregisteredCard
	if err := db.Find(&placeholders).Error; err != nil {
		t.Fatalf("failed to list placeholders: %v", err)
	}
	if len(placeholders) != 1 {
		t.Fatalf("expected exactly one placeholder, got %d", len(placeholders))
	}
	if placeholders[0].ExternalID != "xyz-99" || placeholders[0].SetCode != "xyz" || placeholders[0].Name != "Mystery" {
		t.Fatalf("unexpected placeholder %+v", placeholders[0])
	}

	var links []DeckCard
	if err := db.Where("target_kind = ?", TargetUnregistered).Find(&links).Error; err != nil {
		t.Fatalf("failed to list links: %v", err)
	}
	if len(links) != 1 || links[0].TargetID != placeholders[0].UnregisteredCardID || links[0].Quantity != 2 {
		t.Fatalf("expected one placeholder link, got %+v", links)
	}
}

func TestImportDecksIsIdempotent(t *testing.T) {
	service, db, _ := newTestService(t, 10)
	if _, err := service.ImportCards(context.Background(), []cards.CardRecord{sampleCard("sv1-1", "Pineco")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decks := []cards.DeckRecord{sampleDeck("d-sv1-1",
		cards.DeckCardRef{ExternalID: "sv1-1", Name: "Pineco", Quantity: 4},
		cards.DeckCardRef{ExternalID: "xyz-99", Name: "Mystery", Quantity: 2},
	)}

	for run := 0; run < 2; run++ {
		if _, err := service.ImportDecks(context.Background(), decks); err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
	}

	if count := countRows(t, db, &Deck{}); count != 1 {
		t.Fatalf("expected 1 deck, got %d", count)
	}
	if count := countRows(t, db, &DeckCard{}); count != 2 {
		t.Fatalf("expected 2 links, got %d", count)
	}
	if count := countRows(t, db, &UnregisteredCard{}); count != 1 {
		t.Fatalf("expected 1 placeholder, got %d", count)
	}
}

func TestImportDecksRejectsBadQuantityPerChild(t *testing.T) {
	service, db, _ := newTestService(t, 10)
	deck := sampleDeck("d-sv1-1",
		cards.DeckCardRef{ExternalID: "sv1-1", Name: "Pineco", Quantity: 0},
		cards.DeckCardRef{ExternalID: "sv1-2", Name: "Forretress", Quantity: 1},
	)

	report, err := service.ImportDecks(context.Background(), []cards.DeckRecord{deck})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.FailedLinks != 1 || report.Links != 1 || report.Decks.Created != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if count := countRows(t, db, &DeckCard{}); count != 1 {
		t.Fatalf("expected the valid link to persist, got %d", count)
	}
}

func TestImportDecksSumsRepeatedReferences(t *testing.T) {
	service, db, _ := newTestService(t, 10)
	deck := sampleDeck("d-sv1-1",
		cards.DeckCardRef{ExternalID: "sv1-5", Name: "Energy", Quantity: 6},
		cards.DeckCardRef{ExternalID: "sv1-5", Name: "Energy", Quantity: 4},
	)
	if _, err := service.ImportDecks(context.Background(), []cards.DeckRecord{deck}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var links []DeckCard
	if err := db.Find(&links).Error; err != nil {
		t.Fatalf("failed to list links: %v", err)
	}
	if len(links) != 1 || links[0].Quantity != 10 {
		t.Fatalf("expected one link with quantity 10, got %+v", links)
	}
}

func TestImportDecksPrunesLinksDroppedUpstream(t *testing.T) {
	service, db, _ := newTestService(t, 10)
	initial := sampleDeck("d-sv1-1",
		cards.DeckCardRef{ExternalID: "sv1-1", Name: "Pineco", Quantity: 2},
		cards.DeckCardRef{ExternalID: "sv1-2", Name: "Forretress", Quantity: 2},
	)
	if _, err := service.ImportDecks(context.Background(), []cards.DeckRecord{initial}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	revised := sampleDeck("d-sv1-1", cards.DeckCardRef{ExternalID: "sv1-1", Name: "Pineco", Quantity: 3})
	report, err := service.ImportDecks(context.Background(), []cards.DeckRecord{revised})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.PrunedLinks != 1 {
		t.Fatalf("expected one pruned link, got %+v", report)
	}

	view, err := service.DeckByExternalID(context.Background(), "d-sv1-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.Links) != 1 || view.Links[0].ExternalID != "sv1-1" || view.Links[0].Quantity != 3 {
		t.Fatalf("unexpected links %+v", view.Links)
	}
	if count := countRows(t, db, &DeckCard{}); count != 1 {
		t.Fatalf("expected 1 link, got %d", count)
	}
}

func TestResolveChildDerivesSetCode(t *testing.T) {
	service, _, _ := newTestService(t, 10)
	report, err := service.ImportDecks(context.Background(), []cards.DeckRecord{sampleDeck("d-sv1-1")})
	if err != nil || report.Decks.Created != 1 {
		t.Fatalf("failed to seed deck: %v %+v", err, report)
	}
	view, err := service.DeckByExternalID(context.Background(), "d-sv1-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		ref     CardReference
		setCode string
		created bool
	}{
		{name: "composite-id", ref: CardReference{ExternalID: "sv3pt5-151", Name: "Mew", Quantity: 1}, setCode: "sv3pt5", created: true},
		{name: "bare-id-uses-deck-set", ref: CardReference{ExternalID: "promo", Name: "Promo", Quantity: 1}, setCode: "sv1", created: true},
		{name: "repeat-upserts", ref: CardReference{ExternalID: "sv3pt5-151", Name: "Mew", Quantity: 2}, setCode: "sv3pt5", created: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := service.ResolveChild(context.Background(), view.Deck.DeckID, tt.ref)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Target != TargetUnregistered || result.Created != tt.created {
				t.Fatalf("unexpected result %+v", result)
			}
			placeholders, err := service.ListUnregistered(context.Background(), false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			found := false
			for _, placeholder := range placeholders {
				if placeholder.UnregisteredCardID == result.TargetID {
					found = placeholder.SetCode == tt.setCode
				}
			}
			if !found {
				t.Fatalf("expected placeholder with set code %q in %+v", tt.setCode, placeholders)
			}
		})
	}
}

func TestResolveChildErrors(t *testing.T) {
	service, _, _ := newTestService(t, 10)
	if _, err := service.ResolveChild(context.Background(), "missing", CardReference{ExternalID: "sv1-1", Quantity: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := service.ImportDecks(context.Background(), []cards.DeckRecord{sampleDeck("d-sv1-1")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view, err := service.DeckByExternalID(context.Background(), "d-sv1-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = service.ResolveChild(context.Background(), view.Deck.DeckID, CardReference{ExternalID: "sv1-1", Quantity: -1})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "catalog.resolve_child.invalid_reference" {
		t.Fatalf("expected invalid reference error, got %v", err)
	}
}

func TestListUnregisteredResolvable(t *testing.T) {
	service, _, _ := newTestService(t, 10)
	deck := sampleDeck("d-sv1-1",
		cards.DeckCardRef{ExternalID: "sv2-7", Name: "Late", Quantity: 1},
		cards.DeckCardRef{ExternalID: "sv2-8", Name: "Never", Quantity: 1},
	)
	if _, err := service.ImportDecks(context.Background(), []cards.DeckRecord{deck}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.ImportCards(context.Background(), []cards.CardRecord{sampleCard("sv2-7", "Late")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := service.ListUnregistered(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 placeholders, got %d", len(all))
	}
	resolvable, err := service.ListUnregistered(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resolvable) != 1 || resolvable[0].ExternalID != "sv2-7" {
		t.Fatalf("expected only sv2-7 to be resolvable, got %+v", resolvable)
	}

	view, err := service.DeckByExternalID(context.Background(), "d-sv1-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, link := range view.Links {
		if link.TargetKind != TargetUnregistered {
			t.Fatalf("placeholder links must not be migrated, got %+v", link)
		}
	}
}
