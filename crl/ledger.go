// Package crl keeps the incremental bookkeeping of CRL issuing points: the
// revocations, unrevocations and expirations not yet covered by a published
// CRL, and the CRL numbering.
package crl

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/18F/cf-ca-lifecycle/config"
	"github.com/18F/cf-ca-lifecycle/metrics"
	"github.com/18F/cf-ca-lifecycle/models"
)

var (
	// ErrNumberReused is returned when a CRL or delta CRL number is not greater
	// than every number already published by the issuing point.
	ErrNumberReused = errors.New("crl number already used")

	ErrDeltaDisabled = errors.New("delta crl disabled for issuing point")
)

const (
	KindFull  = "full"
	KindDelta = "delta"
)

type Archiver interface {
	Archive(issuingPoint, kind string, number *big.Int, encoded []byte) error
}

// Ledger is the in-memory view of one issuing point record. Every change is
// written through to the store before it becomes visible.
type Ledger struct {
	logger      lager.Logger
	store       models.IssuingPointStoreInterface
	id          string
	enableDelta bool
	archiver    Archiver
	now         func() time.Time

	mu     sync.Mutex
	record *models.IssuingPointRecord
	seq    int64
}

// Load reads the issuing point from the store, creating it on first use. A
// ledger that comes back with a dirty marker may be missing changes made
// before a crash; see Unsaved.
func Load(logger lager.Logger, store models.IssuingPointStoreInterface, point config.IssuingPoint) (*Ledger, error) {
	lsession := logger.Session("crl-ledger-load", lager.Data{"issuing-point": point.ID})

	record, err := store.Load(point.ID)
	if errors.Is(err, models.ErrRecordNotFound) {
		lsession.Info("creating-issuing-point")
		record = models.NewIssuingPointRecord(point.ID)
		err = store.Create(record)
	}
	if err != nil {
		lsession.Error("load-issuing-point", err)
		return nil, err
	}

	l := &Ledger{
		logger:      logger.Session("crl-ledger", lager.Data{"issuing-point": point.ID}),
		store:       store,
		id:          point.ID,
		enableDelta: point.EnableDelta,
		now:         time.Now,
		record:      record,
	}
	if record.FirstUnsaved > 0 {
		l.seq = record.FirstUnsaved
	}

	if l.unsaved() {
		lsession.Info("unsaved-changes-detected", lager.Data{"first-unsaved": record.FirstUnsaved})
	}
	l.updateGauges()
	return l, nil
}

func (l *Ledger) SetArchiver(archiver Archiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archiver = archiver
}

func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) ID() string {
	return l.id
}

// Unsaved reports whether the pending maps may be incomplete.
func (l *Ledger) Unsaved() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsaved()
}

// ThisUpdate is the thisUpdate of the last full CRL, nil before the first one.
func (l *Ledger) ThisUpdate() *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.record.ThisUpdate == nil {
		return nil
	}
	t := *l.record.ThisUpdate
	return &t
}

// NextNumber returns the number the next CRL or delta CRL should carry. It
// does not reserve it.
func (l *Ledger) NextNumber() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := new(big.Int).Set(l.lastNumber())
	return next.Add(next, big.NewInt(1))
}

// Pending returns copies of the revoked, unrevoked and expired maps.
func (l *Ledger) Pending() (revoked, unrevoked, expired models.RevocationMap) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record.RevokedCerts.Copy(), l.record.UnrevokedCerts.Copy(), l.record.ExpiredCerts.Copy()
}

// MarkUnsaved flags the issuing point dirty. Callers use it before changing
// certificate records so a crash in between is detectable on the next load.
func (l *Ledger) MarkUnsaved() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markUnsaved()
}

func (l *Ledger) AddRevoked(serial *big.Int, info models.RevocationInfo) error {
	return l.mutate("add-revoked", serial, func(key string, revoked, unrevoked, expired models.RevocationMap) {
		delete(unrevoked, key)
		delete(expired, key)
		revoked[key] = info.Normalize()
	})
}

// AddUnrevoked records that serial is valid again. A revocation still pending
// was never published, so it is simply dropped.
func (l *Ledger) AddUnrevoked(serial *big.Int, info models.RevocationInfo) error {
	return l.mutate("add-unrevoked", serial, func(key string, revoked, unrevoked, expired models.RevocationMap) {
		if _, ok := revoked[key]; ok {
			delete(revoked, key)
			return
		}
		delete(expired, key)
		unrevoked[key] = info.Normalize()
	})
}

func (l *Ledger) AddExpired(serial *big.Int) error {
	now := l.clock()
	return l.mutate("add-expired", serial, func(key string, revoked, unrevoked, expired models.RevocationMap) {
		entry := models.RevocationInfo{Date: now}
		if prior, ok := revoked[key]; ok {
			entry.Reason = prior.Reason
		}
		delete(revoked, key)
		delete(unrevoked, key)
		expired[key] = entry.Normalize()
	})
}

// PublishAndClear records a full CRL. The pending maps are cleared and the
// marker reset in the same write.
func (l *Ledger) PublishAndClear(number *big.Int, size int64, thisUpdate, nextUpdate time.Time, encoded []byte) error {
	lsession := l.logger.Session("publish-full", lager.Data{"number": number.String(), "size": size})

	l.mu.Lock()
	if err := l.checkNumber(number); err != nil {
		l.mu.Unlock()
		lsession.Error("check-number", err)
		return err
	}

	if err := l.store.PublishFull(l.id, number, size, thisUpdate, nextUpdate, encoded); err != nil {
		l.mu.Unlock()
		lsession.Error("store-publish", err)
		return err
	}

	thisUpdate = thisUpdate.UTC().Truncate(time.Second)
	nextUpdate = nextUpdate.UTC().Truncate(time.Second)
	l.record.CRLNumber = models.BigInt{Int: new(big.Int).Set(number)}
	l.record.CRLSize = size
	l.record.ThisUpdate = &thisUpdate
	l.record.NextUpdate = &nextUpdate
	l.record.CRL = encoded
	l.record.RevokedCerts = models.RevocationMap{}
	l.record.UnrevokedCerts = models.RevocationMap{}
	l.record.ExpiredCerts = models.RevocationMap{}
	l.record.FirstUnsaved = models.CleanMarker
	archiver := l.archiver
	l.updateGauges()
	l.mu.Unlock()

	metrics.CRLPublished.WithLabelValues(l.id, KindFull).Inc()
	lsession.Info("published")

	l.archive(lsession, archiver, KindFull, number, encoded)
	return nil
}

// PublishDelta records a delta CRL. Pending entries stay until the next full CRL.
func (l *Ledger) PublishDelta(number *big.Int, size int64, nextUpdate time.Time, encoded []byte) error {
	lsession := l.logger.Session("publish-delta", lager.Data{"number": number.String(), "size": size})

	if !l.enableDelta {
		lsession.Error("publish-delta", ErrDeltaDisabled)
		return ErrDeltaDisabled
	}

	l.mu.Lock()
	if err := l.checkNumber(number); err != nil {
		l.mu.Unlock()
		lsession.Error("check-number", err)
		return err
	}

	if err := l.store.PublishDelta(l.id, number, size, nextUpdate, encoded); err != nil {
		l.mu.Unlock()
		lsession.Error("store-publish", err)
		return err
	}

	nextUpdate = nextUpdate.UTC().Truncate(time.Second)
	l.record.DeltaNumber = models.BigInt{Int: new(big.Int).Set(number)}
	l.record.DeltaSize = size
	l.record.NextUpdate = &nextUpdate
	l.record.DeltaCRL = encoded
	archiver := l.archiver
	l.mu.Unlock()

	metrics.CRLPublished.WithLabelValues(l.id, KindDelta).Inc()
	lsession.Info("published")

	l.archive(lsession, archiver, KindDelta, number, encoded)
	return nil
}

func (l *Ledger) mutate(action string, serial *big.Int, apply func(key string, revoked, unrevoked, expired models.RevocationMap)) error {
	if serial == nil || serial.Sign() < 0 {
		return fmt.Errorf("invalid serial number %v", serial)
	}
	key := serial.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.markUnsaved(); err != nil {
		l.logger.Error(action, err, lager.Data{"serial": key})
		return err
	}

	revoked := l.record.RevokedCerts.Copy()
	unrevoked := l.record.UnrevokedCerts.Copy()
	expired := l.record.ExpiredCerts.Copy()
	apply(key, revoked, unrevoked, expired)

	if err := l.store.SavePending(l.id, revoked, unrevoked, expired, l.record.FirstUnsaved); err != nil {
		l.logger.Error(action, err, lager.Data{"serial": key})
		return err
	}

	l.record.RevokedCerts = revoked
	l.record.UnrevokedCerts = unrevoked
	l.record.ExpiredCerts = expired
	l.updateGauges()

	l.logger.Debug(action, lager.Data{"serial": key})
	return nil
}

func (l *Ledger) markUnsaved() error {
	l.seq++
	if l.unsaved() {
		return nil
	}

	if err := l.store.MarkUnsaved(l.id, l.seq); err != nil {
		return err
	}
	l.record.FirstUnsaved = l.seq
	return nil
}

func (l *Ledger) unsaved() bool {
	return l.record.FirstUnsaved != models.CleanMarker
}

func (l *Ledger) lastNumber() *big.Int {
	last := big.NewInt(0)
	if n := l.record.CRLNumber.Int; n != nil && n.Cmp(last) > 0 {
		last = n
	}
	if n := l.record.DeltaNumber.Int; n != nil && n.Cmp(last) > 0 {
		last = n
	}
	return last
}

func (l *Ledger) checkNumber(number *big.Int) error {
	if number == nil {
		return fmt.Errorf("crl number required")
	}
	last := l.lastNumber()
	if number.Cmp(last) <= 0 {
		return fmt.Errorf("%w: %s is not greater than %s", ErrNumberReused, number, last)
	}
	return nil
}

func (l *Ledger) clock() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now()
}

func (l *Ledger) archive(lsession lager.Logger, archiver Archiver, kind string, number *big.Int, encoded []byte) {
	if archiver == nil {
		return
	}
	if err := archiver.Archive(l.id, kind, number, encoded); err != nil {
		lsession.Error("archive", err)
	}
}

func (l *Ledger) updateGauges() {
	metrics.CRLPending.WithLabelValues(l.id, "revoked").Set(float64(len(l.record.RevokedCerts)))
	metrics.CRLPending.WithLabelValues(l.id, "unrevoked").Set(float64(len(l.record.UnrevokedCerts)))
	metrics.CRLPending.WithLabelValues(l.id, "expired").Set(float64(len(l.record.ExpiredCerts)))
}
