package suppliercache

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"testing"

	"github.com/finexio/enrichment-engine/pkg/models"
)

func TestStats_ReportsConfiguredCapacity(t *testing.T) {
	hot, err := lru.New[string, models.Supplier](50)
	if err != nil {
		t.Fatalf("unexpected lru.New error: %v", err)
	}
	c := &Cache{hot: hot, hotSetSize: 50}

	hot.Add("s1", models.Supplier{SupplierID: "s1"})
	hot.Add("s2", models.Supplier{SupplierID: "s2"})

	stats := c.Stats()
	if stats.HotSetLen != 2 {
		t.Fatalf("expected HotSetLen=2, got %d", stats.HotSetLen)
	}
	if stats.HotSetCap != 50 {
		t.Fatalf("expected HotSetCap=50, got %d", stats.HotSetCap)
	}
}
