package store_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scw-migrate/migrator/internal/state"
	"github.com/scw-migrate/migrator/internal/store"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store Suite")
}

var _ = Describe("Store", func() {
	var (
		dir string
		s   *store.Store
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()

		var err error
		s, err = store.New(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	newBatch := func(id string) *state.BatchState {
		bs := state.NewBatchState(id, "digest-"+id, []string{"w1"})
		migrationID := state.MigrationID(id, "uuid-1")
		bs.VMStates[migrationID] = &state.MigrationState{
			MigrationID: migrationID,
			BatchID:     id,
			VMName:      "web-01",
			VMUUID:      "uuid-1",
			Status:      state.StatusPending,
		}
		return bs
	}

	Context("Save and Load", func() {
		// Given a saved batch state
		// When we load it by batch id
		// Then the round trip preserves every field
		It("should round-trip a batch state", func() {
			bs := newBatch("b1")
			Expect(s.Save(bs)).To(Succeed())

			loaded, err := s.Load("b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.BatchID).To(Equal("b1"))
			Expect(loaded.PlanDigest).To(Equal("digest-b1"))
			Expect(loaded.WaveStatus).To(HaveKeyWithValue("w1", state.WaveStatusPending))
			Expect(loaded.VMStates).To(HaveLen(1))
		})

		// Given the persisted state layout
		// When a batch is saved
		// Then its file is named batch-{id}.json
		It("should write batch-{id}.json under the state dir", func() {
			Expect(s.Save(newBatch("b1"))).To(Succeed())
			_, err := os.Stat(filepath.Join(dir, "batch-b1.json"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should fail to load an unknown batch", func() {
			_, err := s.Load("missing")
			Expect(err).To(HaveOccurred())
		})

		// Given a crash left a stale write-temp behind
		// When we list and load batches
		// Then the temp file is ignored
		It("should tolerate a leftover temp file", func() {
			Expect(s.Save(newBatch("b1"))).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "batch-b1.json.tmp-123"), []byte("garbage"), 0o644)).To(Succeed())

			ids, err := s.ListBatches()
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ConsistOf("b1"))

			loaded, err := s.Load("b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.BatchID).To(Equal("b1"))
		})
	})

	Context("UpdateVM", func() {
		// Given a saved batch with one VM
		// When we patch the VM's state
		// Then the patch is persisted atomically
		It("should apply and persist a patch", func() {
			bs := newBatch("b1")
			Expect(s.Save(bs)).To(Succeed())
			migrationID := state.MigrationID("b1", "uuid-1")

			err := s.UpdateVM("b1", migrationID, func(vm *state.MigrationState) {
				vm.Status = state.StatusRunning
				vm.CompletedStages = append(vm.CompletedStages, "validate")
				vm.Artifacts.Set("qcow2_path", "/work/disk.qcow2")
			})
			Expect(err).NotTo(HaveOccurred())

			loaded, err := s.Load("b1")
			Expect(err).NotTo(HaveOccurred())
			vm := loaded.VMStates[migrationID]
			Expect(vm.Status).To(Equal(state.StatusRunning))
			Expect(vm.CompletedStages).To(Equal([]string{"validate"}))
			Expect(vm.Artifacts.Qcow2Path).To(Equal("/work/disk.qcow2"))
		})

		It("should reject an unknown migration id", func() {
			Expect(s.Save(newBatch("b1"))).To(Succeed())
			err := s.UpdateVM("b1", "nope", func(vm *state.MigrationState) {})
			Expect(err).To(HaveOccurred())
		})

		// Given many concurrent writers
		// When they all patch the same batch
		// Then no update is lost
		It("should serialize concurrent updates", func() {
			bs := newBatch("b1")
			Expect(s.Save(bs)).To(Succeed())
			migrationID := state.MigrationID("b1", "uuid-1")

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					err := s.UpdateVM("b1", migrationID, func(vm *state.MigrationState) {
						vm.Attempts++
					})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			loaded, err := s.Load("b1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.VMStates[migrationID].Attempts).To(Equal(20))
		})
	})

	Context("ListBatches and LatestBatch", func() {
		It("should return batches most recent first", func() {
			Expect(s.Save(newBatch("older"))).To(Succeed())
			time.Sleep(10 * time.Millisecond)
			Expect(s.Save(newBatch("newer"))).To(Succeed())

			ids, err := s.ListBatches()
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(Equal([]string{"newer", "older"}))

			latest, err := s.LatestBatch()
			Expect(err).NotTo(HaveOccurred())
			Expect(latest.BatchID).To(Equal("newer"))
		})

		It("should return nil when no batch exists", func() {
			latest, err := s.LatestBatch()
			Expect(err).NotTo(HaveOccurred())
			Expect(latest).To(BeNil())
		})
	})
})
