package models_test

import (
	"math/big"
	"time"

	"github.com/jinzhu/gorm"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/18F/cf-ca-lifecycle/models"
	"github.com/18F/cf-ca-lifecycle/models/modelstest"
)

var _ = Describe("Cursor", func() {
	var (
		db    *gorm.DB
		store models.RecordStore
		now   time.Time
	)

	collect := func(cursor *models.Cursor) []int64 {
		var serials []int64
		for cursor.Next() {
			serials = append(serials, cursor.Record().Serial().Int64())
		}
		Expect(cursor.Err()).NotTo(HaveOccurred())
		return serials
	}

	BeforeEach(func() {
		var err error
		db, err = modelstest.NewDatabase()
		Expect(err).NotTo(HaveOccurred())
		store = models.RecordStore{Database: db}
		now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

		// serials 1..10 expire one hour apart; 4 and 5 share notAfter
		for n := int64(1); n <= 10; n++ {
			notAfter := now.Add(time.Duration(n) * time.Hour)
			if n == 5 {
				notAfter = now.Add(4 * time.Hour)
			}
			record, err := models.NewCertRecord(big.NewInt(n), now.Add(-time.Hour), notAfter, nil, now)
			Expect(err).NotTo(HaveOccurred())
			if n%2 == 0 {
				record.Status = models.StatusRevoked
			}
			Expect(store.Add(record)).To(Succeed())
		}
	})

	AfterEach(func() {
		db.Close()
	})

	It("pages through every match in serial order", func() {
		Expect(collect(store.Search(nil, models.AttrSerialNo, 3))).To(Equal([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
		Expect(collect(store.Search(nil, "-"+models.AttrSerialNo, 4))).To(Equal([]int64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}))
	})

	It("filters", func() {
		revoked := models.Eq(models.AttrCertStatus, models.StatusRevoked)
		Expect(collect(store.Search(revoked, models.AttrSerialNo, 2))).To(Equal([]int64{2, 4, 6, 8, 10}))

		notRevoked := models.And(models.Not(revoked), models.Le(models.AttrSerialNo, big.NewInt(5)))
		Expect(collect(store.Search(notRevoked, models.AttrSerialNo, 2))).To(Equal([]int64{1, 3, 5}))

		either := models.Or(models.Eq(models.AttrSerialNo, big.NewInt(1)), models.Ge(models.AttrSerialNo, big.NewInt(9)))
		Expect(collect(store.Search(either, models.AttrSerialNo, 2))).To(Equal([]int64{1, 9, 10}))
	})

	It("breaks ties on the sort attribute by serial", func() {
		Expect(collect(store.Search(nil, models.AttrNotAfter, 2))).To(Equal([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}))
		Expect(collect(store.Search(nil, "-"+models.AttrNotAfter, 1))).To(Equal([]int64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}))
	})

	It("jumps to a position", func() {
		cursor := store.SearchJumpTo(nil, now.Add(4*time.Hour), "-"+models.AttrNotAfter, 2)
		Expect(collect(cursor)).To(Equal([]int64{5, 4, 3, 2, 1}))

		cursor = store.SearchJumpTo(models.Eq(models.AttrCertStatus, models.StatusValid), now.Add(4*time.Hour), models.AttrNotAfter, 2)
		Expect(collect(cursor)).To(Equal([]int64{5, 7, 9}))
	})

	It("rejects unsupported sort keys and missing jump values", func() {
		cursor := store.Search(nil, models.AttrRevokedBy, 2)
		Expect(cursor.Next()).To(BeFalse())
		Expect(cursor.Err()).To(HaveOccurred())

		cursor = store.SearchJumpTo(nil, nil, models.AttrNotAfter, 2)
		Expect(cursor.Next()).To(BeFalse())
		Expect(cursor.Err()).To(HaveOccurred())
	})

	It("renders filters", func() {
		filter := models.And(
			models.Eq(models.AttrCertStatus, models.StatusValid),
			models.Not(models.Le(models.AttrSerialNo, big.NewInt(5))),
		)
		Expect(filter.String()).To(Equal("(&(certStatus=VALID)(!(serialno<=5)))"))
	})
})
