// Package status drives certificate records through their lifecycle:
// time based transitions swept periodically, and explicit revocation.
package status

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/18F/cf-ca-lifecycle/crl"
	"github.com/18F/cf-ca-lifecycle/metrics"
	"github.com/18F/cf-ca-lifecycle/models"
)

var ErrInvalidTransition = errors.New("invalid certificate status transition")

type Options struct {
	MaxRecordsPerSweep int
	PageSize           int
}

// Engine serializes reconciliation, revocation and unrevocation behind one
// lock supplied by the caller.
type Engine struct {
	logger  lager.Logger
	records models.RecordStoreInterface
	ledgers []*crl.Ledger
	lock    sync.Locker
	options Options
	now     func() time.Time
}

func NewEngine(
	logger lager.Logger,
	records models.RecordStoreInterface,
	ledgers []*crl.Ledger,
	lock sync.Locker,
	options Options,
) *Engine {
	if options.MaxRecordsPerSweep <= 0 {
		options.MaxRecordsPerSweep = 1000
	}
	if options.PageSize <= 0 {
		options.PageSize = 200
	}
	return &Engine{
		logger:  logger.Session("status-engine"),
		records: records,
		ledgers: ledgers,
		lock:    lock,
		options: options,
		now:     time.Now,
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.now = now
}

// IssuingPoints returns the ledgers every revocation change is pushed to.
func (e *Engine) IssuingPoints() []*crl.Ledger {
	return e.ledgers
}

type sweep struct {
	from, to models.CertStatus
	attr     string
	strict   bool
}

var sweeps = []sweep{
	{from: models.StatusInvalid, to: models.StatusValid, attr: models.AttrNotBefore},
	{from: models.StatusValid, to: models.StatusExpired, attr: models.AttrNotAfter, strict: true},
	{from: models.StatusRevoked, to: models.StatusRevokedExpired, attr: models.AttrNotAfter, strict: true},
}

// Reconcile applies every time driven transition that is due. Each sweep
// moves at most MaxRecordsPerSweep records in one guarded bulk update; a
// failed sweep leaves its records untouched for the next run.
func (e *Engine) Reconcile() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	now := e.now()
	lsession := e.logger.Session("reconcile", lager.Data{"now": now})
	lsession.Info("start")

	var errs []error
	for _, s := range sweeps {
		moved, err := e.sweep(lsession, s, now)
		if err != nil {
			metrics.SweepFailures.WithLabelValues(string(s.from)).Inc()
			lsession.Error("sweep-failed", err, lager.Data{"from": s.from, "to": s.to})
			errs = append(errs, fmt.Errorf("%s to %s: %w", s.from, s.to, err))
			continue
		}
		if moved > 0 {
			metrics.StatusTransitions.WithLabelValues(string(s.from), string(s.to)).Add(float64(moved))
			lsession.Info("swept", lager.Data{"from": s.from, "to": s.to, "count": moved})
		}
	}

	lsession.Info("finish")
	return errors.Join(errs...)
}

func (e *Engine) sweep(lsession lager.Logger, s sweep, now time.Time) (int64, error) {
	cursor := e.records.SearchJumpTo(
		models.Eq(models.AttrCertStatus, s.from),
		now,
		"-"+s.attr,
		e.options.PageSize,
	)

	var serials []*big.Int
	for len(serials) < e.options.MaxRecordsPerSweep && cursor.Next() {
		record := cursor.Record()
		if s.strict && !boundary(record, s.attr).Before(now) {
			continue
		}
		serials = append(serials, record.Serial())
	}
	if err := cursor.Err(); err != nil {
		return 0, err
	}
	if len(serials) == 0 {
		return 0, nil
	}

	if s.to == models.StatusRevokedExpired {
		for _, serial := range serials {
			if err := e.eachLedger(func(l *crl.Ledger) error { return l.AddExpired(serial) }); err != nil {
				return 0, err
			}
		}
	}

	return e.records.UpdateStatus(serials, s.from, s.to)
}

func boundary(record *models.CertRecord, attr string) time.Time {
	if attr == models.AttrNotBefore {
		return record.NotBefore
	}
	return record.NotAfter
}

// Revoke moves a VALID record to REVOKED. Revoking an already REVOKED record
// replaces its revocation details, which is how a certificate on hold gets its
// final reason.
func (e *Engine) Revoke(serial *big.Int, info models.RevocationInfo, revokedBy string) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	lsession := e.logger.Session("revoke", lager.Data{"serial": serial.String(), "reason": info.Reason})

	err := e.revoke(lsession, serial, info, revokedBy)
	if err != nil {
		metrics.Revocations.WithLabelValues("revoke", "error").Inc()
		lsession.Error("revoke", err)
		return err
	}

	metrics.Revocations.WithLabelValues("revoke", "success").Inc()
	lsession.Info("revoked")
	return nil
}

func (e *Engine) revoke(lsession lager.Logger, serial *big.Int, info models.RevocationInfo, revokedBy string) error {
	record, err := e.records.Read(serial)
	if err != nil {
		return err
	}

	revokedOn := e.now()

	var mods []models.Modification
	switch record.Status {
	case models.StatusRevoked:
		lsession.Info("replacing-revocation")
		mods = []models.Modification{
			{Attr: models.AttrRevInfo, Op: models.ModReplace, Value: info},
			{Attr: models.AttrRevokedOn, Op: models.ModReplace, Value: revokedOn},
		}
		if revokedBy != "" {
			mods = append(mods, models.Modification{Attr: models.AttrRevokedBy, Op: models.ModReplace, Value: revokedBy})
		}
	case models.StatusValid:
		mods = []models.Modification{
			{Attr: models.AttrRevInfo, Op: models.ModAdd, Value: info},
			{Attr: models.AttrRevokedOn, Op: models.ModAdd, Value: revokedOn},
			{Attr: models.AttrCertStatus, Op: models.ModReplace, Value: models.StatusRevoked},
		}
		if revokedBy != "" {
			mods = append(mods, models.Modification{Attr: models.AttrRevokedBy, Op: models.ModAdd, Value: revokedBy})
		}
	default:
		return fmt.Errorf("%w: cannot revoke %s certificate", ErrInvalidTransition, record.Status)
	}

	if err := e.eachLedger((*crl.Ledger).MarkUnsaved); err != nil {
		return err
	}

	if err := e.records.Modify(serial, mods); err != nil {
		return err
	}

	return e.eachLedger(func(l *crl.Ledger) error { return l.AddRevoked(serial, info) })
}

// Unrevoke returns a REVOKED record to VALID. The stored revocation details
// must be supplied exactly as they were recorded.
func (e *Engine) Unrevoke(serial *big.Int, info models.RevocationInfo, revokedOn time.Time, revokedBy string) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	lsession := e.logger.Session("unrevoke", lager.Data{"serial": serial.String()})

	err := e.unrevoke(serial, info, revokedOn, revokedBy)
	if err != nil {
		metrics.Revocations.WithLabelValues("unrevoke", "error").Inc()
		lsession.Error("unrevoke", err)
		return err
	}

	metrics.Revocations.WithLabelValues("unrevoke", "success").Inc()
	lsession.Info("unrevoked")
	return nil
}

func (e *Engine) unrevoke(serial *big.Int, info models.RevocationInfo, revokedOn time.Time, revokedBy string) error {
	record, err := e.records.Read(serial)
	if err != nil {
		return err
	}
	if record.Status != models.StatusRevoked {
		return fmt.Errorf("%w: cannot unrevoke %s certificate", ErrInvalidTransition, record.Status)
	}

	if err := e.eachLedger((*crl.Ledger).MarkUnsaved); err != nil {
		return err
	}

	mods := []models.Modification{
		{Attr: models.AttrRevInfo, Op: models.ModDelete, Value: info},
		{Attr: models.AttrRevokedOn, Op: models.ModDelete, Value: revokedOn},
		{Attr: models.AttrCertStatus, Op: models.ModReplace, Value: models.StatusValid},
	}
	if revokedBy != "" || record.RevokedBy != "" {
		mods = append(mods, models.Modification{Attr: models.AttrRevokedBy, Op: models.ModDelete, Value: revokedBy})
	}

	err = e.records.Modify(serial, mods)
	if errors.Is(err, models.ErrNoSuchAttribute) {
		return fmt.Errorf("%w: revocation details do not match: %v", ErrInvalidTransition, err)
	}
	if err != nil {
		return err
	}

	return e.eachLedger(func(l *crl.Ledger) error { return l.AddUnrevoked(serial, info) })
}

// RecoverIssuingPoints refills the pending revocations of ledgers that were
// left dirty by a crash from the REVOKED records revoked since their last full
// CRL. The ledgers stay dirty until the next full CRL.
func (e *Engine) RecoverIssuingPoints() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	lsession := e.logger.Session("recover-issuing-points")

	for _, ledger := range e.ledgers {
		if !ledger.Unsaved() {
			continue
		}

		filter := models.Eq(models.AttrCertStatus, models.StatusRevoked)
		if since := ledger.ThisUpdate(); since != nil {
			filter = models.And(filter, models.Ge(models.AttrRevokedOn, *since))
		}

		recovered := 0
		cursor := e.records.Search(filter, models.AttrSerialNo, e.options.PageSize)
		for cursor.Next() {
			record := cursor.Record()
			if record.RevInfo == nil {
				continue
			}
			if err := ledger.AddRevoked(record.Serial(), *record.RevInfo); err != nil {
				lsession.Error("add-revoked", err, lager.Data{"issuing-point": ledger.ID()})
				return err
			}
			recovered++
		}
		if err := cursor.Err(); err != nil {
			lsession.Error("search-revoked", err, lager.Data{"issuing-point": ledger.ID()})
			return err
		}

		lsession.Info("recovered", lager.Data{"issuing-point": ledger.ID(), "count": recovered})
	}
	return nil
}

func (e *Engine) eachLedger(fn func(*crl.Ledger) error) error {
	for _, ledger := range e.ledgers {
		if err := fn(ledger); err != nil {
			return fmt.Errorf("issuing point %s: %w", ledger.ID(), err)
		}
	}
	return nil
}
