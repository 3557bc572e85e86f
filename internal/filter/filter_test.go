package filter_test

import (
	"reflect"
	"testing"

	"github.com/scw-migrate/migrator/internal/filter"
	"github.com/scw-migrate/migrator/internal/models"
)

func vm(name string, mutate ...func(*models.VMDescriptor)) models.VMDescriptor {
	d := models.VMDescriptor{
		Name:          name,
		UUID:          "uuid-" + name,
		CPUCount:      4,
		MemoryMB:      8192,
		PowerState:    models.PowerStateOn,
		GuestOSFamily: models.GuestOSLinux,
		Firmware:      models.FirmwareBIOS,
		Disks:         []models.Disk{{SizeGiB: 40}},
		Topology: models.Topology{
			Datacenter: "dc1",
			Cluster:    "cluster-a",
			Host:       "esxi-01.lab",
			FolderPath: "/prod/web",
		},
	}
	for _, m := range mutate {
		m(&d)
	}
	return d
}

func TestEvaluateSinglePredicates(t *testing.T) {
	tests := []struct {
		name string
		pred filter.Predicate
		vm   models.VMDescriptor
		want bool
	}{
		{"name glob match", filter.NameGlob("web-*"), vm("web-01"), true},
		{"name glob anchored", filter.NameGlob("web"), vm("web-01"), false},
		{"name glob charset", filter.NameGlob("web-0[12]"), vm("web-02"), true},
		{"name regex unanchored", filter.NameRegex("eb-0"), vm("web-01"), true},
		{"name regex anchored by author", filter.NameRegex("^eb"), vm("web-01"), false},
		{"folder prefix equal", filter.FolderPrefix("/prod/web"), vm("a"), true},
		{"folder prefix parent", filter.FolderPrefix("/prod"), vm("a"), true},
		{"folder prefix not a path component", filter.FolderPrefix("/pro"), vm("a"), false},
		{"folder prefix sibling", filter.FolderPrefix("/staging"), vm("a"), false},
		{"os family", filter.OSFamily(models.GuestOSLinux), vm("a"), true},
		{"os family mismatch", filter.OSFamily(models.GuestOSWindows), vm("a"), false},
		{"host glob", filter.HostGlob("esxi-*"), vm("a"), true},
		{"cluster glob", filter.ClusterGlob("cluster-?"), vm("a"), true},
		{"datacenter", filter.Datacenter("dc1"), vm("a"), true},
		{"power state", filter.PowerState(models.PowerStateOn), vm("a"), true},
		{"firmware", filter.Firmware(models.FirmwareEFI), vm("a"), false},
		{"min cpu inclusive", filter.MinCPU(4), vm("a"), true},
		{"min cpu above", filter.MinCPU(5), vm("a"), false},
		{"max cpu inclusive", filter.MaxCPU(4), vm("a"), true},
		{"min ram inclusive", filter.MinRAMGB(8), vm("a"), true},
		{"min ram above", filter.MinRAMGB(9), vm("a"), false},
		{"max disk total inclusive", filter.MaxDiskTotalGB(40), vm("a"), true},
		{"max disk total below", filter.MaxDiskTotalGB(39), vm("a"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := filter.Evaluate([]models.VMDescriptor{tt.vm}, []filter.Predicate{tt.pred})
			if got := results[0].Accepted; got != tt.want {
				t.Errorf("Evaluate(%s) accepted = %v, want %v", tt.pred, got, tt.want)
			}
		})
	}
}

func TestEvaluateReportsFirstFailedPredicate(t *testing.T) {
	preds := []filter.Predicate{
		filter.NameGlob("*"),                   // passes
		filter.MinCPU(8),                       // fails first
		filter.OSFamily(models.GuestOSWindows), // would also fail, never reported
	}
	results := filter.Evaluate([]models.VMDescriptor{vm("web-01")}, preds)
	r := results[0]
	if r.Accepted {
		t.Fatal("expected rejection")
	}
	if r.FailedOn.Kind != filter.KindMinCPU {
		t.Errorf("FailedOn = %s, want %s", r.FailedOn.Kind, filter.KindMinCPU)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	inventory := []models.VMDescriptor{vm("web-01"), vm("db-01"), vm("web-02")}
	preds := []filter.Predicate{filter.NameGlob("web-*"), filter.MinCPU(2)}

	first := filter.Evaluate(inventory, preds)
	second := filter.Evaluate(inventory, preds)
	if !reflect.DeepEqual(first, second) {
		t.Error("two evaluations of the same inputs differ")
	}
}

func TestAcceptedPreservesInventoryOrder(t *testing.T) {
	inventory := []models.VMDescriptor{vm("web-02"), vm("db-01"), vm("web-01")}
	got := filter.Accepted(inventory, []filter.Predicate{filter.NameGlob("web-*")})
	if len(got) != 2 || got[0].Name != "web-02" || got[1].Name != "web-01" {
		t.Errorf("Accepted order = %v", got)
	}
}

func TestEmptyPredicateSetAcceptsEverything(t *testing.T) {
	inventory := []models.VMDescriptor{vm("a"), vm("b")}
	if got := filter.Accepted(inventory, nil); len(got) != 2 {
		t.Errorf("Accepted with no predicates = %d VMs, want 2", len(got))
	}
}

func TestValidateRejectsBrokenPatterns(t *testing.T) {
	if err := filter.Validate([]filter.Predicate{filter.NameRegex("(")}); err == nil {
		t.Error("expected error for unbalanced regex")
	}
	if err := filter.Validate([]filter.Predicate{filter.NameGlob("[")}); err == nil {
		t.Error("expected error for unterminated glob charset")
	}
	if err := filter.Validate([]filter.Predicate{filter.NameGlob("web-*"), filter.NameRegex("^db")}); err != nil {
		t.Errorf("unexpected error for valid patterns: %v", err)
	}
}
