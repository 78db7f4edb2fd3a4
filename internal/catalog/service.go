// Package catalog owns the relational card catalog: idempotent card and deck
// imports keyed on external ids, deck reference resolution and read helpers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultBatchSize is the number of records written per transaction.
const DefaultBatchSize = 100

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("catalog: not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "catalog.service.new"
	opImportCards      = "catalog.import_cards"
	opImportDecks      = "catalog.import_decks"
	opResolveChild     = "catalog.resolve_child"
	opGetCard          = "catalog.get_card"
	opGetDeck          = "catalog.get_deck"
	opListUnregistered = "catalog.list_unregistered"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// BatchSize is the number of records per transaction; zero selects DefaultBatchSize.
	BatchSize int
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	batchSize  int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		batchSize:  batchSize,
	}, nil
}

// RecordFailure describes one record that was skipped.
type RecordFailure struct {
	Index      int
	ExternalID string
	Reason     string
}

// ImportReport counts the outcome of an import run.
type ImportReport struct {
	Created  int
	Updated  int
	Failed   int
	Failures []RecordFailure
}

func (r *ImportReport) fail(index int, externalID string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, RecordFailure{Index: index, ExternalID: externalID, Reason: err.Error()})
}

// ImportCards upserts records on external id. Records are written in batches,
// one transaction per batch and one savepoint per record, so a failing record
// rolls back alone and is counted in the report. The returned error is
// non-nil only when the store itself is unavailable or ctx is done.
func (s *Service) ImportCards(ctx context.Context, records []cards.CardRecord) (ImportReport, error) {
	report := ImportReport{}
	err := s.inBatches(ctx, opImportCards, len(records), func(tx *gorm.DB, index int) {
		record := records[index]
		created, recordErr := s.upsertCard(tx, record)
		if recordErr != nil {
			report.fail(index, record.ExternalID, recordErr)
			metrics.ImportRecordsTotal.WithLabelValues("card", "failed").Inc()
			s.logger.Warn("card import failed",
				zap.Int("index", index),
				zap.String("external_id", record.ExternalID),
				zap.Error(recordErr))
			return
		}
		if created {
			report.Created++
			metrics.ImportRecordsTotal.WithLabelValues("card", "created").Inc()
			return
		}
		report.Updated++
		metrics.ImportRecordsTotal.WithLabelValues("card", "updated").Inc()
	})

	s.logger.Info("card import complete",
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed))
	return report, err
}

// inBatches runs each record index inside a batch transaction. The per-record
// callback records its own failures; only transaction-level errors stop the run.
func (s *Service) inBatches(ctx context.Context, operation string, total int, apply func(tx *gorm.DB, index int)) error {
	batches := (total + s.batchSize - 1) / s.batchSize
	for batch := 0; batch < batches; batch++ {
		if err := ctx.Err(); err != nil {
			s.logError(operation, "cancelled", err, zap.Int("batch", batch+1))
			return newServiceError(operation, "cancelled", err)
		}
		start := batch * s.batchSize
		end := min(start+s.batchSize, total)
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for index := start; index < end; index++ {
				apply(tx, index)
			}
			return nil
		})
		if txErr != nil {
			s.logError(operation, "batch_failed", txErr, zap.Int("batch", batch+1))
			return newServiceError(operation, "batch_failed", txErr)
		}
		s.logger.Info(fmt.Sprintf("import batch %d of %d complete", batch+1, batches),
			zap.String("operation", operation),
			zap.Int("records", end-start))
	}
	return nil
}

// upsertCard runs in its own savepoint and reports whether a row was created.
func (s *Service) upsertCard(tx *gorm.DB, record cards.CardRecord) (bool, error) {
	if err := record.Validate(); err != nil {
		return false, err
	}
	created := false
	err := tx.Transaction(func(recordTx *gorm.DB) error {
		row := cardRow(record)
		now := s.clock().UTC().Unix()
		row.UpdatedAtSeconds = now

		var existing Card
		lookupErr := recordTx.Where("external_id = ?", record.ExternalID).Take(&existing).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			id, idErr := s.idProvider.NewID()
			if idErr != nil {
				return idErr
			}
			row.CardID = id
			row.CreatedAtSeconds = now
			created = true
			return recordTx.Create(&row).Error
		case lookupErr != nil:
			return lookupErr
		default:
			row.CardID = existing.CardID
			row.CreatedAtSeconds = existing.CreatedAtSeconds
			return recordTx.Save(&row).Error
		}
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// CardByExternalID loads a card by its upstream id.
func (s *Service) CardByExternalID(ctx context.Context, externalID string) (Card, error) {
	var card Card
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, newServiceError(opGetCard, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetCard, "select_failed", err, zap.String("external_id", externalID))
		return Card{}, newServiceError(opGetCard, "select_failed", err)
	}
	return card, nil
}

// DeckLink is a resolved deck entry.
type DeckLink struct {
	TargetKind TargetKind `json:"target_kind"`
	TargetID   string     `json:"target_id"`
	ExternalID string     `json:"external_id"`
	Name       string     `json:"name"`
	Quantity   int        `json:"quantity"`
}

// DeckView is a deck with its links.
type DeckView struct {
	Deck  Deck
	Links []DeckLink
}

// DeckByExternalID loads a deck and resolves each link to its target's id and name.
func (s *Service) DeckByExternalID(ctx context.Context, externalID string) (DeckView, error) {
	db := s.db.WithContext(ctx)
	var deck Deck
	err := db.Where("external_id = ?", externalID).Take(&deck).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DeckView{}, newServiceError(opGetDeck, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetDeck, "select_failed", err, zap.String("external_id", externalID))
		return DeckView{}, newServiceError(opGetDeck, "select_failed", err)
	}

	var links []DeckCard
	if err := db.Where("deck_id = ?", deck.DeckID).Order("created_at_s ASC, deck_card_id ASC").Find(&links).Error; err != nil {
		s.logError(opGetDeck, "links_select_failed", err, zap.String("deck_id", deck.DeckID))
		return DeckView{}, newServiceError(opGetDeck, "links_select_failed", err)
	}

	view := DeckView{Deck: deck, Links: make([]DeckLink, 0, len(links))}
	for _, link := range links {
		resolved := DeckLink{TargetKind: link.TargetKind, TargetID: link.TargetID, Quantity: link.Quantity}
		switch link.TargetKind {
		case TargetCard:
			var card Card
			if err := db.Where("card_id = ?", link.TargetID).Take(&card).Error; err == nil {
				resolved.ExternalID = card.ExternalID
				resolved.Name = card.Name
			}
		case TargetUnregistered:
			var placeholder UnregisteredCard
			if err := db.Where("unregistered_card_id = ?", link.TargetID).Take(&placeholder).Error; err == nil {
				resolved.ExternalID = placeholder.ExternalID
				resolved.Name = placeholder.Name
			}
		}
		view.Links = append(view.Links, resolved)
	}
	return view, nil
}

// ListUnregistered returns placeholder rows. With resolvableOnly set, only
// placeholders whose external id has since been imported as a card are listed;
// their deck links still point at the placeholder.
func (s *Service) ListUnregistered(ctx context.Context, resolvableOnly bool) ([]UnregisteredCard, error) {
	db := s.db.WithContext(ctx)
	query := db.Model(&UnregisteredCard{})
	if resolvableOnly {
		query = query.Where("external_id IN (?)", db.Model(&Card{}).Select("external_id"))
	}
	var placeholders []UnregisteredCard
	if err := query.Order("external_id ASC, name ASC").Find(&placeholders).Error; err != nil {
		s.logError(opListUnregistered, "select_failed", err)
		return nil, newServiceError(opListUnregistered, "select_failed", err)
	}
	return placeholders, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("catalog service error", attrs...)
}
