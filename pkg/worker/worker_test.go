package worker_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencloud-eu/filestorage/pkg/blobstore"
	"github.com/opencloud-eu/filestorage/pkg/events"
	"github.com/opencloud-eu/filestorage/pkg/model"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/scanner"
	"github.com/opencloud-eu/filestorage/pkg/store"
	"github.com/opencloud-eu/filestorage/pkg/worker"
)

func newHarness(sc scanner.Scanner) (*worker.Worker, *store.Store, *objectstore.Mem, events.Bus) {
	s, err := store.OpenSQLite(":memory:")
	Expect(err).NotTo(HaveOccurred())
	Expect(s.Migrate()).To(Succeed())

	objects := objectstore.NewMem()
	life := blobstore.New(s, objects)
	bus := events.NewInProcessBus()
	cfg := worker.Config{ScanBatchSize: 10, MaxConcurrentScans: 2, ExpireBatchSize: 100, QuarantineGrace: 5 * time.Minute}
	w := worker.New(cfg, s, life, objects, sc, bus)
	return w, s, objects, bus
}

func insertPendingBlob(s *store.Store, objects *objectstore.Mem, content string) model.StorageBlob {
	ctx := context.Background()
	key := "blobs/" + uuid.NewString()
	Expect(objects.Put(ctx, key, []byte(content), "text/plain")).To(Succeed())

	b := model.StorageBlob{
		ID: uuid.NewString(), ContentHash: uuid.NewString(), ObjectKey: key,
		SizeBytes: int64(len(content)), ScanState: model.ScanPending, CreatedAt: time.Now(),
	}
	Expect(s.Blobs().Insert(ctx, b)).To(Succeed())
	return b
}

var _ = Describe("Scan duty", func() {
	It("marks a clean verdict and publishes ScanCompleted", func() {
		w, s, objects, bus := newHarness(scanner.Fake{Result: scanner.Result{Verdict: scanner.Clean}})
		blob := insertPendingBlob(s, objects, "hello world")

		received := make(chan events.ScanCompleted, 1)
		_, err := bus.Subscribe(events.TopicScanCompleted, func(payload []byte) {
			var sc events.ScanCompleted
			_ = json.Unmarshal(payload, &sc)
			received <- sc
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		go w.Run(ctx)
		defer cancel()
		w.ScheduleScan(ctx, blob.ID)

		Eventually(func() model.ScanState {
			got, err := s.Blobs().GetByID(context.Background(), blob.ID)
			if err != nil {
				return ""
			}
			return got.ScanState
		}, time.Second, 10*time.Millisecond).Should(Equal(model.ScanClean))

		Eventually(received, time.Second).Should(Receive(WithTransform(func(sc events.ScanCompleted) string { return sc.Verdict }, Equal(string(model.ScanClean)))))
	})

	It("records an infected verdict with its detail", func() {
		w, s, objects, _ := newHarness(scanner.Fake{Result: scanner.Result{Verdict: scanner.Infected, Detail: "Eicar-Test-Signature"}})
		blob := insertPendingBlob(s, objects, "bad content")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)
		w.ScheduleScan(ctx, blob.ID)

		Eventually(func() model.ScanState {
			got, err := s.Blobs().GetByID(context.Background(), blob.ID)
			if err != nil {
				return ""
			}
			return got.ScanState
		}, time.Second, 10*time.Millisecond).Should(Equal(model.ScanInfected))

		got, err := s.Blobs().GetByID(context.Background(), blob.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ScanDetail).To(Equal("Eicar-Test-Signature"))
	})

	It("only claims a scan once even when two scheduling signals race", func() {
		_, s, objects, _ := newHarness(scanner.Fake{Result: scanner.Result{Verdict: scanner.Clean}})
		blob := insertPendingBlob(s, objects, "content")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		claimed, err := s.Blobs().ClaimPendingScans(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(claimed).To(HaveLen(1))
		Expect(claimed[0].ID).To(Equal(blob.ID))

		secondClaim, err := s.Blobs().ClaimPendingScans(ctx, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(secondClaim).To(BeEmpty())
	})
})

var _ = Describe("Housekeeping duty", func() {
	It("soft-deletes expired files", func() {
		w, s, objects, _ := newHarness(scanner.NoOp{})
		ctx := context.Background()

		blob := insertPendingBlob(s, objects, "data")
		Expect(s.Blobs().SetScanState(ctx, blob.ID, model.ScanClean, "", time.Now())).To(Succeed())

		past := time.Now().Add(-time.Hour)
		blobID := blob.ID
		f := model.UserFile{ID: uuid.NewString(), OwnerID: "owner-1", BlobID: &blobID, Filename: "gone.txt", ExpiresAt: &past, CreatedAt: time.Now()}
		Expect(s.UserFiles().Insert(ctx, f)).To(Succeed())

		runHousekeepingOnce(w)

		got, err := s.UserFiles().GetByID(ctx, f.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.DeletedAt).NotTo(BeNil())
	})

	It("quarantines infected blobs past the grace window", func() {
		w, s, objects, _ := newHarness(scanner.NoOp{})
		ctx := context.Background()

		blob := insertPendingBlob(s, objects, "infected")
		old := time.Now().Add(-time.Hour)
		Expect(s.Blobs().SetScanState(ctx, blob.ID, model.ScanInfected, "Eicar", old)).To(Succeed())

		runHousekeepingOnce(w)

		_, err := s.Blobs().GetByID(ctx, blob.ID)
		Expect(err).To(HaveOccurred())
	})

	It("leaves a recently infected blob alone within the grace window", func() {
		w, s, objects, _ := newHarness(scanner.NoOp{})
		ctx := context.Background()

		blob := insertPendingBlob(s, objects, "infected")
		Expect(s.Blobs().SetScanState(ctx, blob.ID, model.ScanInfected, "Eicar", time.Now())).To(Succeed())

		runHousekeepingOnce(w)

		got, err := s.Blobs().GetByID(ctx, blob.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ScanState).To(Equal(model.ScanInfected))
	})

	It("keeps staging keys younger than the cleanup age", func() {
		w, s, objects, _ := newHarness(scanner.NoOp{})
		ctx := context.Background()
		_ = s

		Expect(objects.Put(ctx, "staging/old-upload", []byte("x"), "application/octet-stream")).To(Succeed())

		runHousekeepingOnce(w)

		_, _, err := objects.Head(ctx, "staging/old-upload")
		// fresh key, cleanup age defaults to 24h, so it should still be present
		Expect(err).NotTo(HaveOccurred())
	})
})

// runHousekeepingOnce drives a single housekeeping pass by calling
// RunHousekeepingOnce directly; no tickers or worker loop are started.
func runHousekeepingOnce(w *worker.Worker) {
	w.RunHousekeepingOnce(context.Background())
}
