package crl_test

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/jinzhu/gorm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/18F/cf-ca-lifecycle/config"
	"github.com/18F/cf-ca-lifecycle/crl"
	"github.com/18F/cf-ca-lifecycle/models"
	"github.com/18F/cf-ca-lifecycle/models/modelstest"
)

type failingStore struct {
	models.IssuingPointStoreInterface
	failSave bool
}

func (f *failingStore) SavePending(id string, revoked, unrevoked, expired models.RevocationMap, firstUnsaved int64) error {
	if f.failSave {
		return models.ErrStoreUnavailable
	}
	return f.IssuingPointStoreInterface.SavePending(id, revoked, unrevoked, expired, firstUnsaved)
}

type fakeArchiver struct {
	mu      sync.Mutex
	keys    []string
	failure error
}

func (f *fakeArchiver) Archive(issuingPoint, kind string, number *big.Int, encoded []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, issuingPoint+"/"+kind+"-"+number.String())
	return f.failure
}

var _ = Describe("Ledger", func() {
	var (
		db     *gorm.DB
		logger *lagertest.TestLogger
		store  *failingStore
		point  config.IssuingPoint
		ledger *crl.Ledger
		now    time.Time
	)

	revocation := models.RevocationInfo{
		Date:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Reason: models.ReasonKeyCompromise,
	}

	load := func() *crl.Ledger {
		l, err := crl.Load(logger, store, point)
		Expect(err).NotTo(HaveOccurred())
		l.SetClock(func() time.Time { return now })
		return l
	}

	BeforeEach(func() {
		var err error
		db, err = modelstest.NewDatabase()
		Expect(err).NotTo(HaveOccurred())

		logger = lagertest.NewTestLogger("crl")
		store = &failingStore{IssuingPointStoreInterface: models.IssuingPointStore{Database: db}}
		point = config.IssuingPoint{ID: "MasterCRL", EnableDelta: true}
		now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		ledger = load()
	})

	AfterEach(func() {
		db.Close()
	})

	It("creates a clean issuing point on first load", func() {
		Expect(ledger.ID()).To(Equal("MasterCRL"))
		Expect(ledger.Unsaved()).To(BeFalse())
		Expect(ledger.NextNumber().Int64()).To(Equal(int64(1)))
		Expect(ledger.ThisUpdate()).To(BeNil())
	})

	Context("pending entries", func() {
		It("keeps each serial in exactly one map", func() {
			serial := big.NewInt(77)

			Expect(ledger.AddRevoked(serial, revocation)).To(Succeed())
			revoked, unrevoked, expired := ledger.Pending()
			Expect(revoked).To(HaveKey("77"))
			Expect(unrevoked).To(BeEmpty())
			Expect(expired).To(BeEmpty())

			Expect(ledger.AddExpired(serial)).To(Succeed())
			revoked, unrevoked, expired = ledger.Pending()
			Expect(revoked).To(BeEmpty())
			Expect(unrevoked).To(BeEmpty())
			Expect(expired).To(HaveKey("77"))
			Expect(expired["77"].Date).To(BeTemporally("==", now))
			Expect(expired["77"].Reason).To(Equal(models.ReasonKeyCompromise))

			Expect(ledger.AddRevoked(serial, revocation)).To(Succeed())
			revoked, _, expired = ledger.Pending()
			Expect(revoked).To(HaveKey("77"))
			Expect(expired).To(BeEmpty())
		})

		It("drops an unpublished revocation on unrevoke", func() {
			serial := big.NewInt(5)
			Expect(ledger.AddRevoked(serial, revocation)).To(Succeed())
			Expect(ledger.AddUnrevoked(serial, revocation)).To(Succeed())

			revoked, unrevoked, expired := ledger.Pending()
			Expect(revoked).To(BeEmpty())
			Expect(unrevoked).To(BeEmpty())
			Expect(expired).To(BeEmpty())
		})

		It("records unrevocations of published revocations", func() {
			serial := big.NewInt(5)
			Expect(ledger.AddRevoked(serial, revocation)).To(Succeed())
			Expect(ledger.PublishAndClear(ledger.NextNumber(), 1, now, now.Add(time.Hour), []byte("crl"))).To(Succeed())

			Expect(ledger.AddUnrevoked(serial, revocation)).To(Succeed())
			_, unrevoked, _ := ledger.Pending()
			Expect(unrevoked).To(HaveKey("5"))
		})

		It("is idempotent per serial", func() {
			serial := big.NewInt(9)
			Expect(ledger.AddRevoked(serial, revocation)).To(Succeed())
			Expect(ledger.AddRevoked(serial, revocation)).To(Succeed())

			revoked, _, _ := ledger.Pending()
			Expect(revoked).To(HaveLen(1))
		})

		It("hands out copies", func() {
			Expect(ledger.AddRevoked(big.NewInt(1), revocation)).To(Succeed())
			revoked, _, _ := ledger.Pending()
			delete(revoked, "1")

			revoked, _, _ = ledger.Pending()
			Expect(revoked).To(HaveKey("1"))
		})

		It("survives a reload", func() {
			Expect(ledger.AddRevoked(big.NewInt(3), revocation)).To(Succeed())
			Expect(ledger.AddExpired(big.NewInt(4))).To(Succeed())

			reloaded := load()
			revoked, _, expired := reloaded.Pending()
			Expect(revoked).To(HaveKey("3"))
			Expect(revoked["3"].Equal(revocation)).To(BeTrue())
			Expect(expired).To(HaveKey("4"))
		})
	})

	Context("crash marker", func() {
		It("is set by every mutation and cleared only by a full CRL", func() {
			Expect(ledger.AddRevoked(big.NewInt(1), revocation)).To(Succeed())
			Expect(ledger.Unsaved()).To(BeTrue())
			Expect(load().Unsaved()).To(BeTrue())

			Expect(ledger.PublishDelta(ledger.NextNumber(), 1, now.Add(time.Hour), []byte("delta"))).To(Succeed())
			Expect(ledger.Unsaved()).To(BeTrue())

			Expect(ledger.PublishAndClear(ledger.NextNumber(), 1, now, now.Add(time.Hour), []byte("crl"))).To(Succeed())
			Expect(ledger.Unsaved()).To(BeFalse())
			Expect(load().Unsaved()).To(BeFalse())
		})

		It("stays set when the pending maps could not be written", func() {
			store.failSave = true
			Expect(ledger.AddRevoked(big.NewInt(1), revocation)).To(MatchError(models.ErrStoreUnavailable))

			store.failSave = false
			reloaded := load()
			Expect(reloaded.Unsaved()).To(BeTrue())
			revoked, _, _ := reloaded.Pending()
			Expect(revoked).To(BeEmpty())
		})

		It("can be set ahead of a record change", func() {
			Expect(ledger.MarkUnsaved()).To(Succeed())
			Expect(load().Unsaved()).To(BeTrue())
		})
	})

	Context("numbering", func() {
		It("shares one increasing sequence between full and delta CRLs", func() {
			Expect(ledger.PublishAndClear(big.NewInt(1), 0, now, now.Add(time.Hour), []byte("crl"))).To(Succeed())
			Expect(ledger.NextNumber().Int64()).To(Equal(int64(2)))

			Expect(ledger.PublishDelta(big.NewInt(2), 0, now.Add(time.Hour), []byte("delta"))).To(Succeed())
			Expect(ledger.NextNumber().Int64()).To(Equal(int64(3)))

			Expect(ledger.PublishAndClear(big.NewInt(2), 0, now, now.Add(time.Hour), []byte("crl"))).To(MatchError(crl.ErrNumberReused))
			Expect(ledger.PublishDelta(big.NewInt(1), 0, now.Add(time.Hour), []byte("delta"))).To(MatchError(crl.ErrNumberReused))

			Expect(load().NextNumber().Int64()).To(Equal(int64(3)))
		})

		It("does not reserve numbers on peek", func() {
			Expect(ledger.NextNumber().Int64()).To(Equal(int64(1)))
			Expect(ledger.NextNumber().Int64()).To(Equal(int64(1)))
		})

		It("records thisUpdate of the full CRL", func() {
			Expect(ledger.PublishAndClear(big.NewInt(1), 0, now, now.Add(time.Hour), []byte("crl"))).To(Succeed())
			Expect(*ledger.ThisUpdate()).To(BeTemporally("==", now))
			Expect(*load().ThisUpdate()).To(BeTemporally("==", now))
		})

		It("refuses delta CRLs when they are disabled", func() {
			point.EnableDelta = false
			ledger = load()
			Expect(ledger.PublishDelta(big.NewInt(1), 0, now, nil)).To(MatchError(crl.ErrDeltaDisabled))
		})
	})

	Context("archiving", func() {
		It("archives published CRLs and ignores archive failures", func() {
			archiver := &fakeArchiver{failure: errors.New("bucket unreachable")}
			ledger.SetArchiver(archiver)

			Expect(ledger.PublishAndClear(big.NewInt(1), 0, now, now.Add(time.Hour), []byte("crl"))).To(Succeed())
			Expect(ledger.PublishDelta(big.NewInt(2), 0, now.Add(time.Hour), []byte("delta"))).To(Succeed())

			Expect(archiver.keys).To(Equal([]string{"MasterCRL/full-1", "MasterCRL/delta-2"}))
		})
	})
})
