package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/catalog"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var errMissingCatalog = errors.New("catalog dependency required")

// CatalogReader is the read surface the inspection API needs.
type CatalogReader interface {
	CardByExternalID(ctx context.Context, externalID string) (catalog.Card, error)
	DeckByExternalID(ctx context.Context, externalID string) (catalog.DeckView, error)
	ListUnregistered(ctx context.Context, resolvableOnly bool) ([]catalog.UnregisteredCard, error)
}

type Dependencies struct {
	Catalog CatalogReader
	Logger  *zap.Logger
	// MetricsHandler serves /metrics; nil selects the default Prometheus registry.
	MetricsHandler http.Handler
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(logger))

	handler := &httpHandler{
		catalog: deps.Catalog,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/cards/:externalID", handler.handleCard)
	router.GET("/decks/:externalID", handler.handleDeck)
	router.GET("/unregistered-cards", handler.handleUnregistered)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)))
	}
}

type httpHandler struct {
	catalog CatalogReader
	logger  *zap.Logger
}

type cardPayload struct {
	ExternalID             string               `json:"external_id"`
	Name                   string               `json:"name"`
	Supertype              string               `json:"supertype,omitempty"`
	Subtypes               []string             `json:"subtypes"`
	HP                     *int                 `json:"hp"`
	Types                  []string             `json:"types"`
	EvolvesFrom            string               `json:"evolves_from,omitempty"`
	Rules                  []string             `json:"rules"`
	Abilities              []cards.Ability      `json:"abilities"`
	Attacks                []cards.Attack       `json:"attacks"`
	Weaknesses             []cards.TypeModifier `json:"weaknesses"`
	Resistances            []cards.TypeModifier `json:"resistances"`
	RetreatCost            []string             `json:"retreat_cost"`
	ConvertedRetreatCost   int                  `json:"converted_retreat_cost"`
	SetCode                string               `json:"set_code"`
	SetName                string               `json:"set_name,omitempty"`
	Number                 string               `json:"number,omitempty"`
	Artist                 string               `json:"artist,omitempty"`
	Rarity                 string               `json:"rarity,omitempty"`
	FlavorText             string               `json:"flavor_text,omitempty"`
	NationalPokedexNumbers []int                `json:"national_pokedex_numbers"`
	RegulationMark         string               `json:"regulation_mark,omitempty"`
	ImageSmall             string               `json:"image_small,omitempty"`
	ImageLarge             string               `json:"image_large,omitempty"`
	Source                 string               `json:"source"`
	CreatedAtSeconds       int64                `json:"created_at_s"`
	UpdatedAtSeconds       int64                `json:"updated_at_s"`
}

type deckPayload struct {
	ExternalID       string             `json:"external_id"`
	Name             string             `json:"name"`
	SetCode          string             `json:"set_code"`
	Types            []string           `json:"types"`
	Source           string             `json:"source"`
	Cards            []catalog.DeckLink `json:"cards"`
	UpdatedAtSeconds int64              `json:"updated_at_s"`
}

type unregisteredPayload struct {
	Name             string `json:"name"`
	ExternalID       string `json:"external_id"`
	SetCode          string `json:"set_code"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCard(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("externalID"))
	card, err := h.catalog.CardByExternalID(c.Request.Context(), externalID)
	if err != nil {
		h.writeLookupError(c, "card", externalID, err)
		return
	}
	c.JSON(http.StatusOK, cardPayload{
		ExternalID:             card.ExternalID,
		Name:                   card.Name,
		Supertype:              card.Supertype,
		Subtypes:               card.Subtypes,
		HP:                     card.HP,
		Types:                  card.Types,
		EvolvesFrom:            card.EvolvesFrom,
		Rules:                  card.Rules,
		Abilities:              card.Abilities,
		Attacks:                card.Attacks,
		Weaknesses:             card.Weaknesses,
		Resistances:            card.Resistances,
		RetreatCost:            card.RetreatCost,
		ConvertedRetreatCost:   card.ConvertedRetreatCost,
		SetCode:                card.SetCode,
		SetName:                card.SetName,
		Number:                 card.Number,
		Artist:                 card.Artist,
		Rarity:                 card.Rarity,
		FlavorText:             card.FlavorText,
		NationalPokedexNumbers: card.NationalPokedexNumbers,
		RegulationMark:         card.RegulationMark,
		ImageSmall:             card.ImageSmall,
		ImageLarge:             card.ImageLarge,
		Source:                 card.Source,
		CreatedAtSeconds:       card.CreatedAtSeconds,
		UpdatedAtSeconds:       card.UpdatedAtSeconds,
	})
}

func (h *httpHandler) handleDeck(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("externalID"))
	view, err := h.catalog.DeckByExternalID(c.Request.Context(), externalID)
	if err != nil {
		h.writeLookupError(c, "deck", externalID, err)
		return
	}
	c.JSON(http.StatusOK, deckPayload{
		ExternalID:       view.Deck.ExternalID,
		Name:             view.Deck.Name,
		SetCode:          view.Deck.SetCode,
		Types:            view.Deck.Types,
		Source:           view.Deck.Source,
		Cards:            view.Links,
		UpdatedAtSeconds: view.Deck.UpdatedAtSeconds,
	})
}

func (h *httpHandler) handleUnregistered(c *gin.Context) {
	resolvableOnly := false
	if raw := c.Query("resolvable"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolvable"})
			return
		}
		resolvableOnly = parsed
	}

	placeholders, err := h.catalog.ListUnregistered(c.Request.Context(), resolvableOnly)
	if err != nil {
		h.logger.Error("failed to list unregistered cards", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]unregisteredPayload, 0, len(placeholders))
	for _, placeholder := range placeholders {
		payload = append(payload, unregisteredPayload{
			Name:             placeholder.Name,
			ExternalID:       placeholder.ExternalID,
			SetCode:          placeholder.SetCode,
			CreatedAtSeconds: placeholder.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": payload, "count": len(payload)})
}

func (h *httpHandler) writeLookupError(c *gin.Context, entity, externalID string, err error) {
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": entity + "_not_found"})
		return
	}
	h.logger.Error("catalog lookup failed",
		zap.String("entity", entity),
		zap.String("external_id", externalID),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
}
