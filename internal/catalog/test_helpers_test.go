package catalog

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/cards"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, batchSize int) (*Service, *gorm.DB, *testClock) {
	t.Helper()
	db := openTestDatabase(t)
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
		Logger:     zap.NewNop(),
		BatchSize:  batchSize,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db, clock
}

func intPtr(value int) *int {
	return &value
}

func sampleCard(externalID, name string) cards.CardRecord {
	return cards.CardRecord{
		ExternalID: externalID,
		Name:       name,
		Supertype:  "Pokémon",
		HP:         intPtr(70),
		Types:      []string{"Grass"},
		Attacks: []cards.Attack{
			{Name: "Tackle", Cost: []string{"Colorless"}, ConvertedEnergyCost: 1, Damage: "10"},
		},
		Weaknesses: []cards.TypeModifier{{Type: "Fire", Value: "×2"}},
		SetCode:    cards.SetCodeFromExternalID(externalID),
		Number:     "1",
		Source:     cards.SourceAPI,
	}
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}
