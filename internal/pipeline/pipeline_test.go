package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/scw-migrate/migrator/internal/apperrors"
	"github.com/scw-migrate/migrator/internal/config"
	"github.com/scw-migrate/migrator/internal/models"
	"github.com/scw-migrate/migrator/internal/pipeline"
	"github.com/scw-migrate/migrator/internal/plan"
	"github.com/scw-migrate/migrator/internal/semaphore"
	"github.com/scw-migrate/migrator/internal/stages"
	"github.com/scw-migrate/migrator/internal/state"
	"github.com/scw-migrate/migrator/internal/store"
)

func TestPipeline(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipeline Suite")
}

var linuxStages = []string{"validate", "snapshot", "export", "convert", "adapt_guest",
	"ensure_uefi", "upload_s3", "import_scw", "verify", "cleanup"}

var _ = Describe("Executor", func() {
	var (
		ctx     context.Context
		st      *store.Store
		cfg     *config.AppConfig
		batchID string
		entry   plan.ExpandedEntry
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		st, err = store.New(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		cfg, err = config.NewAppConfig()
		Expect(err).NotTo(HaveOccurred())
		cfg.RetryBaseDelay = time.Millisecond
		cfg.RetryMaxDelay = 2 * time.Millisecond

		batchID = "testbatch"
		Expect(st.Save(state.NewBatchState(batchID, "digest", []string{"w1"}))).To(Succeed())

		entry = plan.ExpandedEntry{
			VMName:  "web-01",
			VMUUID:  "uuid-1",
			Wave:    "w1",
			GuestOS: models.GuestOSLinux,
		}
	})

	newExecutor := func(handlers map[string]stages.Handler) *pipeline.Executor {
		return pipeline.New(
			stages.New(handlers),
			semaphore.New(plan.DefaultConcurrencyCaps()),
			st, cfg, zap.NewNop(), nil,
			func(string) int { return 4 },
		)
	}

	loadVM := func() *state.MigrationState {
		bs, err := st.Load(batchID)
		Expect(err).NotTo(HaveOccurred())
		return bs.VMStates[state.MigrationID(batchID, entry.VMUUID)]
	}

	Context("success path", func() {
		// Given a Linux VM and handlers that produce their artifacts
		// When the pipeline runs
		// Then all 10 stages complete in order and the artifacts persist
		It("should complete all stages in order with artifacts", func() {
			handlers := map[string]stages.Handler{
				"export": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					ms.Artifacts.VMDKPaths = []string{"/work/disk.vmdk"}
					return nil
				},
				"convert": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					ms.Artifacts.Set("qcow2_path", "/work/disk.qcow2")
					return nil
				},
				"upload_s3": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					ms.Artifacts.Set("s3_key", "m/disk.qcow2")
					return nil
				},
				"import_scw": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					ms.Artifacts.Set("scw_image_id", "img-1")
					return nil
				},
			}

			ms, err := newExecutor(handlers).Run(ctx, batchID, entry, "esxi-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(ms.Status).To(Equal(state.StatusCompleted))

			persisted := loadVM()
			Expect(persisted.Status).To(Equal(state.StatusCompleted))
			Expect(persisted.CompletedStages).To(Equal(linuxStages))
			Expect(persisted.FinishedAt).NotTo(BeNil())
			Expect(persisted.Artifacts.VMDKPaths).To(Equal([]string{"/work/disk.vmdk"}))
			Expect(persisted.Artifacts.Qcow2Path).To(Equal("/work/disk.qcow2"))
			Expect(persisted.Artifacts.S3Key).To(Equal("m/disk.qcow2"))
			Expect(persisted.Artifacts.ScwImageID).To(Equal("img-1"))
		})
	})

	Context("failure and resume", func() {
		// Given upload_s3 failing transiently beyond the retry cap
		// When the pipeline runs
		// Then prior stages stay completed and the failure is recorded
		It("should stop at the failed stage and record the error", func() {
			handlers := map[string]stages.Handler{
				"upload_s3": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					return apperrors.NewTransientInfraError("upload_s3", errors.New("bandwidth"))
				},
			}

			_, err := newExecutor(handlers).Run(ctx, batchID, entry, "esxi-01")
			Expect(err).To(HaveOccurred())

			persisted := loadVM()
			Expect(persisted.Status).To(Equal(state.StatusFailed))
			Expect(persisted.CompletedStages).To(Equal(
				[]string{"validate", "snapshot", "export", "convert", "adapt_guest", "ensure_uefi"}))
			Expect(persisted.LastError).NotTo(BeNil())
			Expect(persisted.LastError.Stage).To(Equal("upload_s3"))
			Expect(persisted.LastError.Kind).To(Equal("TransientInfraError"))
			Expect(persisted.Attempts).To(Equal(3))
		})

		// Given a run that failed at upload_s3
		// When the batch resumes with the handler now succeeding
		// Then only upload_s3 onward runs and the VM completes
		It("should resume from the failed stage without re-running prior stages", func() {
			var earlyStageRuns int32
			counting := func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
				atomic.AddInt32(&earlyStageRuns, 1)
				return nil
			}
			uploadFails := true
			handlers := map[string]stages.Handler{
				"validate": counting,
				"snapshot": counting,
				"export":   counting,
				"upload_s3": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					if uploadFails {
						return apperrors.NewTransientInfraError("upload_s3", errors.New("bandwidth"))
					}
					ms.Artifacts.Set("s3_key", "m/disk.qcow2")
					return nil
				},
			}
			exec := newExecutor(handlers)

			_, err := exec.Run(ctx, batchID, entry, "esxi-01")
			Expect(err).To(HaveOccurred())
			Expect(atomic.LoadInt32(&earlyStageRuns)).To(Equal(int32(3)))

			// Orchestrator's resume resets status but keeps completed_stages.
			Expect(st.UpdateVM(batchID, state.MigrationID(batchID, entry.VMUUID), func(vm *state.MigrationState) {
				vm.Status = state.StatusPending
				vm.LastError = nil
			})).To(Succeed())

			uploadFails = false
			ms, err := exec.Run(ctx, batchID, entry, "esxi-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(ms.Status).To(Equal(state.StatusCompleted))
			Expect(atomic.LoadInt32(&earlyStageRuns)).To(Equal(int32(3)), "early stages must not re-run on resume")

			persisted := loadVM()
			Expect(persisted.CompletedStages).To(Equal(linuxStages))
			Expect(persisted.Artifacts.S3Key).To(Equal("m/disk.qcow2"))
		})

		It("should not retry a fatal stage error", func() {
			var attempts int32
			handlers := map[string]stages.Handler{
				"convert": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					atomic.AddInt32(&attempts, 1)
					return apperrors.NewFatalStageError("convert", "tool not found")
				},
			}

			_, err := newExecutor(handlers).Run(ctx, batchID, entry, "esxi-01")
			Expect(err).To(HaveOccurred())
			Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(1)))
			Expect(loadVM().LastError.Kind).To(Equal("FatalStageError"))
		})

		It("should succeed after a transient failure within the retry budget", func() {
			var attempts int32
			handlers := map[string]stages.Handler{
				"snapshot": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					if atomic.AddInt32(&attempts, 1) < 3 {
						return apperrors.NewTransientInfraError("snapshot", errors.New("rate limited"))
					}
					return nil
				},
			}

			ms, err := newExecutor(handlers).Run(ctx, batchID, entry, "esxi-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(ms.Status).To(Equal(state.StatusCompleted))
			Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(3)))
		})
	})

	Context("replay", func() {
		// Given a VM whose stages are all completed
		// When the pipeline runs again
		// Then no handler is invoked and state is unchanged
		It("should be a no-op for a completed VM", func() {
			var runs int32
			counting := func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
				atomic.AddInt32(&runs, 1)
				return nil
			}
			handlers := map[string]stages.Handler{"validate": counting, "cleanup": counting}
			exec := newExecutor(handlers)

			_, err := exec.Run(ctx, batchID, entry, "esxi-01")
			Expect(err).NotTo(HaveOccurred())
			first := atomic.LoadInt32(&runs)

			ms, err := exec.Run(ctx, batchID, entry, "esxi-01")
			Expect(err).NotTo(HaveOccurred())
			Expect(ms.Status).To(Equal(state.StatusCompleted))
			Expect(atomic.LoadInt32(&runs)).To(Equal(first), "handlers must not run on replay")
		})
	})

	Context("cancellation", func() {
		It("should record a cancelled error and stop", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := newExecutor(nil).Run(cancelled, batchID, entry, "esxi-01")
			Expect(err).To(HaveOccurred())

			persisted := loadVM()
			Expect(persisted.Status).To(Equal(state.StatusFailed))
			Expect(persisted.LastError.Kind).To(Equal("Cancelled"))
		})
	})

	Context("semaphore isolation", func() {
		// Given a disk_io cap of 1 and two VMs converting concurrently
		// When both pipelines run
		// Then at most one convert holds disk_io at a time
		It("should honor the disk_io cap across concurrent pipelines", func() {
			var inFlight, maxInFlight int32
			handlers := map[string]stages.Handler{
				"convert": func(ctx context.Context, e plan.ExpandedEntry, ms *state.MigrationState, cfg any) error {
					cur := atomic.AddInt32(&inFlight, 1)
					for {
						prev := atomic.LoadInt32(&maxInFlight)
						if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
							break
						}
					}
					time.Sleep(10 * time.Millisecond)
					atomic.AddInt32(&inFlight, -1)
					return nil
				},
			}

			caps := plan.DefaultConcurrencyCaps()
			caps[plan.ResourceDiskIO] = 1
			exec := pipeline.New(
				stages.New(handlers), semaphore.New(caps), st, cfg, zap.NewNop(), nil,
				func(string) int { return 4 },
			)

			entries := []plan.ExpandedEntry{
				{VMName: "web-01", VMUUID: "uuid-1", Wave: "w1", GuestOS: models.GuestOSLinux},
				{VMName: "web-02", VMUUID: "uuid-2", Wave: "w1", GuestOS: models.GuestOSLinux},
				{VMName: "web-03", VMUUID: "uuid-3", Wave: "w1", GuestOS: models.GuestOSLinux},
			}
			var wg sync.WaitGroup
			for _, e := range entries {
				wg.Add(1)
				go func(e plan.ExpandedEntry) {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := exec.Run(ctx, batchID, e, "esxi-01")
					Expect(err).NotTo(HaveOccurred())
				}(e)
			}
			wg.Wait()

			Expect(atomic.LoadInt32(&maxInFlight)).To(BeNumerically("<=", 1))
		})
	})
})
