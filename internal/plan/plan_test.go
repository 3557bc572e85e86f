package plan_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scw-migrate/migrator/internal/apperrors"
	"github.com/scw-migrate/migrator/internal/catalogue"
	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/plan"
)

func TestPlan(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Plan Suite")
}

func linuxVM(name, uuid string) models.VMDescriptor {
	return models.VMDescriptor{
		Name: name, UUID: uuid, CPUCount: 2, MemoryMB: 4096,
		GuestOSFamily: models.GuestOSLinux,
		Disks:         []models.Disk{{SizeGiB: 20}},
		Topology:      models.Topology{Host: "esxi-01"},
	}
}

func windowsVM(name, uuid string) models.VMDescriptor {
	vm := linuxVM(name, uuid)
	vm.GuestOSFamily = models.GuestOSWindows
	return vm
}

var _ = Describe("Validate", func() {
	var (
		cat *catalogue.Catalogue
		p   *plan.Plan
	)

	BeforeEach(func() {
		cat = catalogue.Default()
		p = &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Name: "web-01"}, TargetTypeID: "GP1-S", Wave: "w1"},
			},
			Waves: []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
	})

	It("should accept a minimal valid plan", func() {
		Expect(plan.Validate(p, cat)).To(Succeed())
	})

	It("should reject an unsupported version", func() {
		p.Version = 2
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should reject a plan with no migrations", func() {
		p.Migrations = nil
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	// Given a migration entry listing both vm_name and vm_pattern
	// When the plan is validated
	// Then it is rejected
	It("should reject a selector with both vm_name and vm_pattern", func() {
		p.Migrations[0].Selector = plan.Selector{Name: "web-01", Pattern: "web-*"}
		err := plan.Validate(p, cat)
		Expect(err).To(HaveOccurred())
	})

	It("should reject a selector with neither vm_name nor vm_pattern", func() {
		p.Migrations[0].Selector = plan.Selector{}
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should reject a reference to an unknown wave", func() {
		p.Migrations[0].Wave = "nope"
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should reject a duplicate wave name", func() {
		p.Waves = append(p.Waves, plan.Wave{Name: "w1", PauseAfter: plan.PauseContinue})
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should reject an invalid pause_after", func() {
		p.Waves[0].PauseAfter = "sometimes"
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should reject a vm_name that is also excluded", func() {
		p.Exclude = []plan.Selector{{Name: "web-01"}}
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should reject an unknown target type", func() {
		p.Migrations[0].TargetTypeID = "XL9000"
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should reject an invalid sizing strategy", func() {
		p.Migrations[0].SizingStrategy = "vibes"
		Expect(plan.Validate(p, cat)).To(HaveOccurred())
	})

	It("should report a ValidationError kind", func() {
		p.Version = 7
		err := plan.Validate(p, cat)
		Expect(apperrors.Kind(err)).To(Equal("ValidationError"))
	})
})

var _ = Describe("Expand", func() {
	var cat *catalogue.Catalogue

	BeforeEach(func() {
		cat = catalogue.Default()
	})

	// Given a vm_pattern entry and an exclude naming one match
	// When the plan is expanded
	// Then the excluded VM is dropped and the rest are kept
	It("should let an exclusion override a pattern match", func() {
		p := &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Pattern: "prod-*"}, TargetTypeID: "GP1-S", Wave: "w1"},
			},
			Exclude: []plan.Selector{{Name: "prod-legacy"}},
			Waves:   []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
		inventory := []models.VMDescriptor{
			linuxVM("prod-a", "u1"),
			linuxVM("prod-b", "u2"),
			linuxVM("prod-legacy", "u3"),
		}

		expanded, err := plan.Expand(p, inventory, cat)
		Expect(err).NotTo(HaveOccurred())

		names := make([]string, 0, len(expanded.Entries))
		for _, e := range expanded.Entries {
			names = append(names, e.VMName)
		}
		Expect(names).To(ConsistOf("prod-a", "prod-b"))
	})

	// Given the same VM matched by two entries
	// When the plan is expanded
	// Then the lower priority integer wins, ties broken by plan order
	It("should deduplicate by priority then plan order", func() {
		p := &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Pattern: "web-*"}, TargetTypeID: "GP1-S", Wave: "w1", Priority: 5},
				{Selector: plan.Selector{Name: "web-01"}, TargetTypeID: "GP1-M", Wave: "w1", Priority: 1},
			},
			Waves: []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
		inventory := []models.VMDescriptor{linuxVM("web-01", "u1")}

		expanded, err := plan.Expand(p, inventory, cat)
		Expect(err).NotTo(HaveOccurred())
		Expect(expanded.Entries).To(HaveLen(1))
		Expect(expanded.Entries[0].TargetTypeID).To(Equal("GP1-M"))

		// Same priority: the earlier plan entry wins.
		p.Migrations[1].Priority = 5
		expanded, err = plan.Expand(p, inventory, cat)
		Expect(err).NotTo(HaveOccurred())
		Expect(expanded.Entries[0].TargetTypeID).To(Equal("GP1-S"))
	})

	It("should merge defaults last-wins into entries", func() {
		p := &plan.Plan{
			Version:  1,
			Defaults: plan.Defaults{Zone: "fr-par-1", SizingStrategy: "cost", Tags: map[string]string{"env": "prod", "team": "infra"}},
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Name: "web-01"}, TargetTypeID: "GP1-S", Wave: "w1",
					Zone: "nl-ams-1", Tags: map[string]string{"team": "web"}},
				{Selector: plan.Selector{Name: "web-02"}, TargetTypeID: "GP1-S", Wave: "w1"},
			},
			Waves: []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
		inventory := []models.VMDescriptor{linuxVM("web-01", "u1"), linuxVM("web-02", "u2")}

		expanded, err := plan.Expand(p, inventory, cat)
		Expect(err).NotTo(HaveOccurred())
		Expect(expanded.Entries).To(HaveLen(2))

		byName := map[string]plan.ExpandedEntry{}
		for _, e := range expanded.Entries {
			byName[e.VMName] = e
		}
		Expect(byName["web-01"].Zone).To(Equal("nl-ams-1"))
		Expect(byName["web-01"].Tags).To(HaveKeyWithValue("team", "web"))
		Expect(byName["web-01"].Tags).To(HaveKeyWithValue("env", "prod"))
		Expect(byName["web-02"].Zone).To(Equal("fr-par-1"))
		Expect(byName["web-02"].Strategy).To(Equal("cost"))
	})

	It("should auto-size entries without an explicit target", func() {
		p := &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Name: "web-01"}, Wave: "w1"},
			},
			Waves: []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
		inventory := []models.VMDescriptor{linuxVM("web-01", "u1")}

		expanded, err := plan.Expand(p, inventory, cat)
		Expect(err).NotTo(HaveOccurred())
		Expect(expanded.Entries).To(HaveLen(1))
		Expect(expanded.Entries[0].TargetTypeID).NotTo(BeEmpty())
	})

	It("should quarantine unmappable VMs without failing the plan", func() {
		huge := linuxVM("huge-01", "u1")
		huge.CPUCount = 128
		p := &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Name: "huge-01"}, Wave: "w1"},
				{Selector: plan.Selector{Name: "web-01"}, Wave: "w1"},
			},
			Waves: []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
		inventory := []models.VMDescriptor{huge, linuxVM("web-01", "u2")}

		expanded, err := plan.Expand(p, inventory, cat)
		Expect(err).NotTo(HaveOccurred())
		Expect(expanded.Entries).To(HaveLen(1))
		Expect(expanded.Entries[0].VMName).To(Equal("web-01"))
		Expect(expanded.Quarantined).To(HaveLen(1))
		Expect(expanded.Quarantined[0].Unmappable).To(BeTrue())
	})

	// Given a Windows VM pinned to a type that forbids Windows
	// When the plan is expanded
	// Then expansion fails with a validation error
	It("should reject a Windows VM on a non-Windows type", func() {
		p := &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Name: "win-01"}, TargetTypeID: "DEV1-S", Wave: "w1"},
			},
			Waves: []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
		inventory := []models.VMDescriptor{windowsVM("win-01", "u1")}

		_, err := plan.Expand(p, inventory, cat)
		Expect(err).To(HaveOccurred())
		Expect(apperrors.Kind(err)).To(Equal("ValidationError"))
	})

	It("should reject overlapping wave selector patterns", func() {
		p := &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Name: "web-01"}, TargetTypeID: "GP1-S", Wave: "canary"},
			},
			Waves: []plan.Wave{
				{Name: "canary", SelectorPatterns: []string{"web-*"}, PauseAfter: plan.PausePause},
				{Name: "prod", SelectorPatterns: []string{"*-01"}, PauseAfter: plan.PauseContinue},
			},
		}
		inventory := []models.VMDescriptor{linuxVM("web-01", "u1")}

		_, err := plan.Expand(p, inventory, cat)
		Expect(err).To(HaveOccurred())
	})

	It("should produce a stable digest", func() {
		p := &plan.Plan{
			Version: 1,
			Migrations: []plan.MigrationEntry{
				{Selector: plan.Selector{Name: "web-01"}, TargetTypeID: "GP1-S", Wave: "w1"},
			},
			Waves: []plan.Wave{{Name: "w1", PauseAfter: plan.PauseContinue}},
		}
		Expect(plan.Digest(p)).To(Equal(plan.Digest(p)))

		changed := *p
		changed.Version = 1
		changed.Migrations = []plan.MigrationEntry{
			{Selector: plan.Selector{Name: "web-02"}, TargetTypeID: "GP1-S", Wave: "w1"},
		}
		Expect(plan.Digest(&changed)).NotTo(Equal(plan.Digest(p)))
	})
})
