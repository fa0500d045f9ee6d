package status_test

import (
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
	"github.com/18F/cf-ca-lifecycle/status"
)

type flakyRecords struct {
	models.RecordStoreInterface
	failUpdates bool
}

func (f *flakyRecords) UpdateStatus(serials []*big.Int, from, to models.CertStatus) (int64, error) {
	if f.failUpdates {
		return 0, models.ErrStoreUnavailable
	}
	return f.RecordStoreInterface.UpdateStatus(serials, from, to)
}

var _ = Describe("Engine", func() {
	var (
		db      *gorm.DB
		logger  *lagertest.TestLogger
		store   models.RecordStore
		records *flakyRecords
		ledgers []*crl.Ledger
		engine  *status.Engine
		options status.Options
		now     time.Time
	)

	hold := models.RevocationInfo{
		Date:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Reason: models.ReasonCertificateHold,
	}
	compromise := models.RevocationInfo{
		Date:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		Reason: models.ReasonKeyCompromise,
	}

	add := func(n int64, notBefore, notAfter time.Time) *big.Int {
		serial := big.NewInt(n)
		record, err := models.NewCertRecord(serial, notBefore, notAfter, map[string]string{"profile": "server"}, now)
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Add(record)).To(Succeed())
		return serial
	}

	statusOf := func(serial *big.Int) models.CertStatus {
		record, err := store.Read(serial)
		Expect(err).NotTo(HaveOccurred())
		return record.Status
	}

	build := func() {
		engine = status.NewEngine(logger, records, ledgers, &sync.Mutex{}, options)
		engine.SetClock(func() time.Time { return now })
	}

	BeforeEach(func() {
		var err error
		db, err = modelstest.NewDatabase()
		Expect(err).NotTo(HaveOccurred())

		logger = lagertest.NewTestLogger("status")
		store = models.RecordStore{Database: db}
		records = &flakyRecords{RecordStoreInterface: store}
		now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		options = status.Options{MaxRecordsPerSweep: 100, PageSize: 2}

		ipStore := models.IssuingPointStore{Database: db}
		ledgers = nil
		for _, id := range []string{"MasterCRL", "SubCA"} {
			ledger, err := crl.Load(logger, ipStore, config.IssuingPoint{ID: id, EnableDelta: true})
			Expect(err).NotTo(HaveOccurred())
			ledgers = append(ledgers, ledger)
		}

		build()
	})

	AfterEach(func() {
		db.Close()
	})

	It("exposes the issuing points", func() {
		Expect(engine.IssuingPoints()).To(Equal(ledgers))
	})

	Describe("Reconcile", func() {
		It("does nothing without records", func() {
			Expect(engine.Reconcile()).To(Succeed())
		})

		It("validates records once notBefore is reached", func() {
			future := add(1, now.Add(time.Hour), now.Add(48*time.Hour))
			Expect(statusOf(future)).To(Equal(models.StatusInvalid))

			Expect(engine.Reconcile()).To(Succeed())
			Expect(statusOf(future)).To(Equal(models.StatusInvalid))

			now = now.Add(time.Hour)
			Expect(engine.Reconcile()).To(Succeed())
			Expect(statusOf(future)).To(Equal(models.StatusValid))
		})

		It("expires records strictly after notAfter and never moves them back", func() {
			expired := add(1, now.Add(-48*time.Hour), now.Add(-time.Second))
			boundary := add(2, now.Add(-48*time.Hour), now)
			valid := add(3, now.Add(-48*time.Hour), now.Add(time.Hour))

			for i := 0; i < 3; i++ {
				Expect(engine.Reconcile()).To(Succeed())
				Expect(statusOf(expired)).To(Equal(models.StatusExpired))
				Expect(statusOf(boundary)).To(Equal(models.StatusValid))
				Expect(statusOf(valid)).To(Equal(models.StatusValid))
			}
		})

		It("moves expired revocations out of the pending revoked set", func() {
			serial := add(7, now.Add(-48*time.Hour), now.Add(time.Hour))
			Expect(engine.Revoke(serial, compromise, "admin")).To(Succeed())

			now = now.Add(2 * time.Hour)
			Expect(engine.Reconcile()).To(Succeed())
			Expect(statusOf(serial)).To(Equal(models.StatusRevokedExpired))

			for _, ledger := range ledgers {
				revoked, _, expired := ledger.Pending()
				Expect(revoked).NotTo(HaveKey("7"))
				Expect(expired).To(HaveKey("7"))
			}
		})

		It("moves at most MaxRecordsPerSweep records per run", func() {
			options.MaxRecordsPerSweep = 3
			build()

			var serials []*big.Int
			for n := int64(1); n <= 5; n++ {
				serials = append(serials, add(n, now.Add(-48*time.Hour), now.Add(-time.Duration(n)*time.Minute)))
			}

			count := func() int {
				expired := 0
				for _, serial := range serials {
					if statusOf(serial) == models.StatusExpired {
						expired++
					}
				}
				return expired
			}

			Expect(engine.Reconcile()).To(Succeed())
			Expect(count()).To(Equal(3))

			Expect(engine.Reconcile()).To(Succeed())
			Expect(count()).To(Equal(5))
		})

		It("leaves the batch untouched when the store fails and retries next run", func() {
			serial := add(1, now.Add(-48*time.Hour), now.Add(-time.Minute))
			records.failUpdates = true

			Expect(engine.Reconcile()).To(MatchError(models.ErrStoreUnavailable))
			Expect(statusOf(serial)).To(Equal(models.StatusValid))

			records.failUpdates = false
			Expect(engine.Reconcile()).To(Succeed())
			Expect(statusOf(serial)).To(Equal(models.StatusExpired))
		})
	})

	Describe("Revoke", func() {
		var serial *big.Int

		BeforeEach(func() {
			serial = add(42, now.Add(-time.Hour), now.Add(time.Hour))
		})

		It("revokes a valid certificate and notifies every issuing point", func() {
			Expect(engine.Revoke(serial, compromise, "admin")).To(Succeed())

			record, err := store.Read(serial)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status).To(Equal(models.StatusRevoked))
			Expect(record.RevInfo.Equal(compromise)).To(BeTrue())
			Expect(*record.RevokedOn).To(BeTemporally("==", now))
			Expect(record.RevokedBy).To(Equal("admin"))

			for _, ledger := range ledgers {
				revoked, _, _ := ledger.Pending()
				Expect(revoked).To(HaveKey("42"))
				Expect(ledger.Unsaved()).To(BeTrue())
			}
		})

		It("replaces the details of a certificate on hold", func() {
			Expect(engine.Revoke(serial, hold, "operator")).To(Succeed())

			now = now.Add(time.Minute)
			Expect(engine.Revoke(serial, compromise, "admin")).To(Succeed())

			record, err := store.Read(serial)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status).To(Equal(models.StatusRevoked))
			Expect(record.RevInfo.Reason).To(Equal(models.ReasonKeyCompromise))
			Expect(*record.RevokedOn).To(BeTemporally("==", now))
			Expect(record.RevokedBy).To(Equal("admin"))

			revoked, _, _ := ledgers[0].Pending()
			Expect(revoked["42"].Reason).To(Equal(models.ReasonKeyCompromise))
		})

		It("keeps the recorded revoker when a hold is finalized anonymously", func() {
			Expect(engine.Revoke(serial, hold, "operator")).To(Succeed())

			now = now.Add(time.Minute)
			Expect(engine.Revoke(serial, compromise, "")).To(Succeed())

			record, err := store.Read(serial)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.RevInfo.Reason).To(Equal(models.ReasonKeyCompromise))
			Expect(*record.RevokedOn).To(BeTemporally("==", now))
			Expect(record.RevokedBy).To(Equal("operator"))

			Expect(engine.Unrevoke(serial, compromise, now, "operator")).To(Succeed())
		})

		It("revokes without a revoker", func() {
			Expect(engine.Revoke(serial, hold, "")).To(Succeed())

			record, err := store.Read(serial)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status).To(Equal(models.StatusRevoked))
			Expect(record.RevokedBy).To(BeEmpty())

			Expect(engine.Revoke(serial, compromise, "admin")).To(Succeed())
			record, err = store.Read(serial)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.RevokedBy).To(Equal("admin"))
		})

		It("refuses certificates that are not valid or revoked", func() {
			expired := add(43, now.Add(-48*time.Hour), now.Add(-time.Hour))
			Expect(engine.Reconcile()).To(Succeed())

			Expect(engine.Revoke(expired, compromise, "admin")).To(MatchError(status.ErrInvalidTransition))
			Expect(statusOf(expired)).To(Equal(models.StatusExpired))
		})

		It("reports unknown serials", func() {
			Expect(engine.Revoke(big.NewInt(999), compromise, "admin")).To(MatchError(models.ErrRecordNotFound))
		})
	})

	Describe("Unrevoke", func() {
		var serial *big.Int

		BeforeEach(func() {
			serial = add(42, now.Add(-time.Hour), now.Add(time.Hour))
			Expect(engine.Revoke(serial, hold, "operator")).To(Succeed())
		})

		It("round trips to VALID and drops the unpublished revocation", func() {
			Expect(engine.Unrevoke(serial, hold, now, "operator")).To(Succeed())

			record, err := store.Read(serial)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status).To(Equal(models.StatusValid))
			Expect(record.RevInfo).To(BeNil())
			Expect(record.RevokedOn).To(BeNil())
			Expect(record.RevokedBy).To(BeEmpty())

			for _, ledger := range ledgers {
				revoked, unrevoked, _ := ledger.Pending()
				Expect(revoked).NotTo(HaveKey("42"))
				Expect(unrevoked).NotTo(HaveKey("42"))
			}
		})

		It("records the unrevocation once the revocation was published", func() {
			ledger := ledgers[0]
			Expect(ledger.PublishAndClear(ledger.NextNumber(), 1, now, now.Add(time.Hour), []byte("crl"))).To(Succeed())

			Expect(engine.Unrevoke(serial, hold, now, "operator")).To(Succeed())

			_, unrevoked, _ := ledger.Pending()
			Expect(unrevoked).To(HaveKey("42"))
		})

		It("needs the stored revocation details", func() {
			Expect(engine.Unrevoke(serial, compromise, now, "operator")).To(MatchError(status.ErrInvalidTransition))
			Expect(engine.Unrevoke(serial, hold, now.Add(time.Minute), "operator")).To(MatchError(status.ErrInvalidTransition))
			Expect(engine.Unrevoke(serial, hold, now, "someone-else")).To(MatchError(status.ErrInvalidTransition))
			Expect(statusOf(serial)).To(Equal(models.StatusRevoked))
		})

		It("refuses certificates that are not revoked", func() {
			valid := add(43, now.Add(-time.Hour), now.Add(time.Hour))
			Expect(engine.Unrevoke(valid, hold, now, "operator")).To(MatchError(status.ErrInvalidTransition))
		})
	})

	Describe("SetClock", func() {
		It("can swap the clock while reconciliations run", func() {
			serial := add(9, now.Add(-48*time.Hour), now.Add(time.Hour))
			later := now.Add(2 * time.Hour)

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				for i := 0; i < 20; i++ {
					Expect(engine.Reconcile()).To(Succeed())
				}
			}()

			engine.SetClock(func() time.Time { return later })
			Eventually(done, 5*time.Second).Should(BeClosed())

			Expect(engine.Reconcile()).To(Succeed())
			Expect(statusOf(serial)).To(Equal(models.StatusExpired))
		})
	})

	Describe("RecoverIssuingPoints", func() {
		It("refills dirty ledgers from revoked records", func() {
			ledger := ledgers[0]
			Expect(ledger.PublishAndClear(ledger.NextNumber(), 0, now.Add(-time.Hour), now.Add(time.Hour), []byte("crl"))).To(Succeed())

			serial := add(5, now.Add(-48*time.Hour), now.Add(48*time.Hour))
			revokedOn := now
			Expect(store.Modify(serial, []models.Modification{
				{Attr: models.AttrRevInfo, Op: models.ModAdd, Value: compromise},
				{Attr: models.AttrRevokedOn, Op: models.ModAdd, Value: revokedOn},
				{Attr: models.AttrCertStatus, Op: models.ModReplace, Value: models.StatusRevoked},
			})).To(Succeed())
			Expect(ledger.MarkUnsaved()).To(Succeed())

			Expect(engine.RecoverIssuingPoints()).To(Succeed())

			revoked, _, _ := ledger.Pending()
			Expect(revoked).To(HaveKey("5"))
			Expect(ledger.Unsaved()).To(BeTrue())

			revoked, _, _ = ledgers[1].Pending()
			Expect(revoked).To(BeEmpty())
		})
	})
})
