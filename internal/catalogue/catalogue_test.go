package catalogue_test

import (
	"testing"
	"time"

	"github.com/scw-migrate/migrator/internal/catalogue"
)

func TestCataloguePreservesOrderAndDeduplicates(t *testing.T) {
	c := catalogue.New([]catalogue.InstanceType{
		{ID: "B", VCPU: 2},
		{ID: "A", VCPU: 4},
		{ID: "B", VCPU: 8}, // later entry wins, position kept
	})

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("len(All()) = %d, want 2", len(all))
	}
	if all[0].ID != "B" || all[1].ID != "A" {
		t.Errorf("order = [%s, %s], want [B, A]", all[0].ID, all[1].ID)
	}
	b, ok := c.Get("B")
	if !ok || b.VCPU != 8 {
		t.Errorf("Get(B) = %+v, want the later 8-vCPU entry", b)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) reported ok")
	}
}

func TestRetrievedAt(t *testing.T) {
	c := catalogue.New([]catalogue.InstanceType{{ID: "A"}})
	if !c.RetrievedAt().IsZero() {
		t.Error("a fresh catalogue should have no retrieval timestamp")
	}
	stamp := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	c.MarkRetrieved(stamp)
	if !c.RetrievedAt().Equal(stamp) {
		t.Errorf("RetrievedAt = %v, want %v", c.RetrievedAt(), stamp)
	}

	if catalogue.Default().RetrievedAt().IsZero() {
		t.Error("the bundled catalogue should carry its snapshot date")
	}
}

func TestDefaultCatalogueIsUsable(t *testing.T) {
	c := catalogue.Default()
	if len(c.All()) == 0 {
		t.Fatal("default catalogue is empty")
	}
	gp, ok := c.Get("GP1-S")
	if !ok {
		t.Fatal("GP1-S missing from default catalogue")
	}
	if !gp.WindowsAllowed || !gp.SupportsBlockStorage() {
		t.Errorf("GP1-S = %+v, want Windows-allowed with block storage", gp)
	}
}
