package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/catalog"
	"github.com/MarcoPoloResearchLab/cardpipe/internal/database"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close(db)
	})

	service, err := catalog.NewService(catalog.ServiceConfig{Database: db, IDProvider: catalog.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build catalog service: %v", err)
	}
	hp := 70
	if _, err := service.ImportCards(context.Background(), []cards.CardRecord{
		{ExternalID: "sv1-1", Name: "Pineco", HP: &hp, Types: []string{"Grass"}, Source: cards.SourceAPI},
		{ExternalID: "sv2-7", Name: "Late", Source: cards.SourceAPI},
	}); err != nil {
		t.Fatalf("failed to seed cards: %v", err)
	}
	if _, err := service.ImportDecks(context.Background(), []cards.DeckRecord{{
		ExternalID: "d-sv1-1",
		Name:       "Starter",
		SetCode:    "sv1",
		Cards: []cards.DeckCardRef{
			{ExternalID: "sv1-1", Name: "Pineco", Quantity: 4},
			{ExternalID: "xyz-99", Name: "Mystery", Quantity: 1},
		},
		Source: cards.SourceRaw,
	}}); err != nil {
		t.Fatalf("failed to seed decks: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{Catalog: service, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestCardEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	recorder := serve(handler, http.MethodGet, "/cards/sv1-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload cardPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode card: %v", err)
	}
	if payload.Name != "Pineco" || payload.HP == nil || *payload.HP != 70 || len(payload.Types) != 1 {
		t.Fatalf("unexpected card payload %+v", payload)
	}

	missing := serve(handler, http.MethodGet, "/cards/none-1")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestDeckEndpointIncludesPlaceholderLinks(t *testing.T) {
	handler := newTestHandler(t)

	recorder := serve(handler, http.MethodGet, "/decks/d-sv1-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload deckPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode deck: %v", err)
	}
	if len(payload.Cards) != 2 {
		t.Fatalf("expected 2 links, got %+v", payload.Cards)
	}
	kinds := map[string]catalog.TargetKind{}
	for _, link := range payload.Cards {
		kinds[link.ExternalID] = link.TargetKind
	}
	if kinds["sv1-1"] != catalog.TargetCard || kinds["xyz-99"] != catalog.TargetUnregistered {
		t.Fatalf("unexpected link kinds %v", kinds)
	}
}

func TestUnregisteredEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	recorder := serve(handler, http.MethodGet, "/unregistered-cards")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var listing struct {
		Data  []unregisteredPayload `json:"data"`
		Count int                   `json:"count"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if listing.Count != 1 || listing.Data[0].ExternalID != "xyz-99" || listing.Data[0].SetCode != "xyz" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	resolvable := serve(handler, http.MethodGet, "/unregistered-cards?resolvable=true")
	if resolvable.Code != http.StatusOK || !strings.Contains(resolvable.Body.String(), `"count":0`) {
		t.Fatalf("expected no resolvable placeholders, got %d %s", resolvable.Code, resolvable.Body.String())
	}

	invalid := serve(handler, http.MethodGet, "/unregistered-cards?resolvable=maybe")
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", invalid.Code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	handler := newTestHandler(t)

	if recorder := serve(handler, http.MethodGet, "/healthz"); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", recorder.Code)
	}
	metrics := serve(handler, http.MethodGet, "/metrics")
	if metrics.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", metrics.Code)
	}
	if !strings.Contains(metrics.Body.String(), "cardpipe_import_records_total") {
		t.Fatalf("expected import counters in metrics output")
	}
}

func TestCORSMiddlewareAllowsReadOnlyPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/cards/sv1-1", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/cards/sv1-1", http.NoBody)
	request.Header.Set("Origin", "https://dashboard.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodGet) {
		t.Fatalf("expected GET to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestNewHTTPHandlerRequiresCatalog(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing catalog error")
	}
}
