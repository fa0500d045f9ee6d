package serial

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"code.cloudfoundry.org/lager/v3"

	"github.com/18F/cf-ca-lifecycle/metrics"
	"github.com/18F/cf-ca-lifecycle/models"
)

const (
	keyPolicy       = "policy"
	keyBegin        = "beginSerialNumber"
	keyEnd          = "endSerialNumber"
	keyNextBegin    = "nextBeginSerialNumber"
	keyNextEnd      = "nextEndSerialNumber"
	keyLowWaterMark = "serialLowWaterMark"
	keyIncrement    = "serialIncrement"
	keyCounter      = "serialCounter"
)

// Allocator hands out serial numbers from a bounded range. All state changes
// and every config store write happen under mu, since the config store stages
// puts in one batch shared by all writers. layoutMu serializes changes of the
// range bounds and is always taken before mu.
type Allocator struct {
	logger  lager.Logger
	records models.RecordStoreInterface
	cfg     models.ConfigStoreInterface
	options Options
	random  io.Reader

	layoutMu    sync.Mutex
	mu          sync.Mutex
	rng         Range
	extending   bool
	maintenance sync.WaitGroup
}

func NewAllocator(
	logger lager.Logger,
	records models.RecordStoreInterface,
	cfg models.ConfigStoreInterface,
	options Options,
) (*Allocator, error) {
	if options.ConfigPrefix == "" {
		options.ConfigPrefix = "dbs.serial"
	}
	if options.Policy == "" {
		options.Policy = Sequential
	}

	a := &Allocator{
		logger:  logger.Session("serial-allocator", lager.Data{"prefix": options.ConfigPrefix}),
		records: records,
		cfg:     cfg,
		options: options,
		random:  rand.Reader,
	}

	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// SetRandom replaces the entropy source used by the random policy.
func (a *Allocator) SetRandom(r io.Reader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.random = r
}

// Range returns a copy of the current allocator state.
func (a *Allocator) Range() Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.copy()
}

func (a *Allocator) Policy() Policy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Policy
}

// Allocate returns a serial number that was never returned from this range.
func (a *Allocator) Allocate() (*big.Int, error) {
	a.mu.Lock()
	policy := a.rng.Policy

	var (
		serial *big.Int
		err    error
	)
	switch policy {
	case Random:
		serial, err = a.allocateRandom()
	default:
		serial, err = a.allocateSequential()
	}

	if err == nil {
		a.persistCounter()
		if a.needsExtension() && !a.extending {
			a.extending = true
			a.maintenance.Add(1)
			go a.extendInBackground()
		}
		metrics.SerialRangeRemaining.Set(gaugeValue(a.rng.Remaining()))
	}
	a.mu.Unlock()

	if err != nil {
		metrics.SerialAllocations.WithLabelValues(string(policy), "error").Inc()
		a.logger.Error("allocate", err, lager.Data{"policy": policy})
		return nil, err
	}

	metrics.SerialAllocations.WithLabelValues(string(policy), "success").Inc()
	a.logger.Debug("allocated", lager.Data{"policy": policy, "serial": serial.String()})
	return serial, nil
}

// WaitForMaintenance blocks until background range extensions finished.
func (a *Allocator) WaitForMaintenance() {
	a.maintenance.Wait()
}

// ActivateNextRange replaces the active range with the configured successor.
func (a *Allocator) ActivateNextRange() error {
	a.layoutMu.Lock()
	defer a.layoutMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activateNextRange()
}

// SwitchPolicy declares target as the wanted policy and reconciles it with the
// policy marker in the config store. Without force the stored marker wins.
func (a *Allocator) SwitchPolicy(target Policy, force bool) error {
	if _, err := ParsePolicy(string(target)); err != nil {
		return err
	}

	a.layoutMu.Lock()
	defer a.layoutMu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rng.Policy = target
	return a.reconcilePolicy(force)
}

// MaintainRange is the periodic range job: it follows policy changes made by
// other processes, activates the successor of an exhausted range and extends
// a range that dropped below its low water mark.
func (a *Allocator) MaintainRange() error {
	lsession := a.logger.Session("maintain-range")

	a.layoutMu.Lock()
	defer a.layoutMu.Unlock()

	a.mu.Lock()
	err := a.reconcilePolicy(a.options.ForcePolicy)
	if err == nil && a.exhausted() && a.rng.NextMin != nil {
		err = a.activateNextRange()
	}
	extend := err == nil && a.needsExtension()
	remaining := a.rng.Remaining()
	a.mu.Unlock()

	if err != nil {
		lsession.Error("maintain-range", err)
		return err
	}

	if extend {
		if err := a.extendRange(); err != nil {
			lsession.Error("extend-range", err)
			return err
		}
	}

	metrics.SerialRangeRemaining.Set(gaugeValue(remaining))
	lsession.Info("finished", lager.Data{"remaining": remaining.String()})
	return nil
}

func (a *Allocator) allocateSequential() (*big.Int, error) {
	if a.rng.Counter.Sign() < 0 {
		if err := a.recomputeCounter(); err != nil {
			return nil, err
		}
	}

	current := new(big.Int).Add(a.rng.Min, a.rng.Counter)
	if current.Cmp(a.rng.Max) > 0 {
		return nil, ErrRangeExhausted
	}

	a.rng.Counter = new(big.Int).Add(a.rng.Counter, one)
	return current, nil
}

func (a *Allocator) allocateRandom() (*big.Int, error) {
	size := a.rng.Size()
	bits := size.BitLen()
	if bits < a.options.MinRandomBitLength {
		return nil, fmt.Errorf("%w: %d bits, need %d", ErrRangeTooSmall, bits, a.options.MinRandomBitLength)
	}

	if a.rng.Counter.Sign() < 0 {
		if err := a.recomputeCounter(); err != nil {
			return nil, err
		}
	}

	for cycle := 0; cycle <= a.options.MaxCollisionRecoveryRegenerations; cycle++ {
		draw, err := a.draw(size, bits)
		if err != nil {
			return nil, err
		}
		origin := new(big.Int).Add(a.rng.Min, draw)

		serial, err := a.probe(origin)
		if err != nil {
			return nil, err
		}
		if serial != nil {
			if a.rng.Counter.Cmp(size) < 0 {
				a.rng.Counter = new(big.Int).Add(a.rng.Counter, one)
			}
			return serial, nil
		}

		a.logger.Info("random-regenerate", lager.Data{"cycle": cycle + 1, "origin": origin.String()})
	}

	return nil, ErrAllocationFailed
}

// draw scales a bits-wide random value into [0, size).
func (a *Allocator) draw(size *big.Int, bits int) (*big.Int, error) {
	limit := new(big.Int).Lsh(one, uint(bits))
	r, err := rand.Int(a.random, limit)
	if err != nil {
		return nil, fmt.Errorf("drawing random serial: %w", err)
	}
	r.Mul(r, size)
	return r.Rsh(r, uint(bits)), nil
}

// probe tries origin and then origin+1, origin-1, origin+2, origin-2, ...
// skipping candidates outside the range, for the configured number of steps.
func (a *Allocator) probe(origin *big.Int) (*big.Int, error) {
	free, err := a.available(origin)
	if err != nil || free {
		if free {
			return origin, nil
		}
		return nil, err
	}

	for step := 1; step <= a.options.MaxCollisionRecoverySteps; step++ {
		delta := big.NewInt(int64((step + 1) / 2))
		candidate := new(big.Int)
		if step%2 == 1 {
			candidate.Add(origin, delta)
		} else {
			candidate.Sub(origin, delta)
		}
		if !a.rng.Contains(candidate) {
			continue
		}

		free, err := a.available(candidate)
		if err != nil {
			return nil, err
		}
		if free {
			return candidate, nil
		}
	}
	return nil, nil
}

func (a *Allocator) available(serial *big.Int) (bool, error) {
	_, err := a.records.Read(serial)
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		return true, nil
	case err != nil:
		return false, err
	default:
		metrics.SerialCollisions.Inc()
		return false, nil
	}
}

func (a *Allocator) exhausted() bool {
	return a.rng.Counter.Sign() >= 0 && a.rng.Counter.Cmp(a.rng.Size()) >= 0
}

func (a *Allocator) needsExtension() bool {
	if a.rng.NextMin != nil || a.rng.Counter.Sign() < 0 {
		return false
	}
	threshold := new(big.Int).Sub(a.rng.Size(), a.rng.LowWaterMark)
	return a.rng.Counter.Cmp(threshold) >= 0
}

func (a *Allocator) extendInBackground() {
	defer a.maintenance.Done()

	a.layoutMu.Lock()
	err := a.extendRange()
	a.layoutMu.Unlock()
	if err != nil {
		a.logger.Error("extend-range", err)
	}

	a.mu.Lock()
	a.extending = false
	a.mu.Unlock()
}

// extendRange computes and persists the successor range. The caller holds
// layoutMu. The successor keys are staged and committed under mu so a
// concurrent counter commit cannot carry them off in its asynchronous batch;
// the successor only becomes visible once it is durable.
func (a *Allocator) extendRange() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.NextMin != nil {
		return nil
	}
	nextMin := new(big.Int).Add(a.rng.Max, one)
	nextMax := new(big.Int).Add(nextMin, a.rng.Increment)
	nextMax.Sub(nextMax, one)

	a.cfg.PutBigInt(a.key(keyNextBegin), nextMin)
	a.cfg.PutBigInt(a.key(keyNextEnd), nextMax)
	if err := a.cfg.Commit(true); err != nil {
		return err
	}
	a.rng.NextMin, a.rng.NextMax = nextMin, nextMax

	metrics.SerialRangeEvents.WithLabelValues("extended").Inc()
	a.logger.Info("range-extended", lager.Data{"next-min": nextMin.String(), "next-max": nextMax.String()})
	return nil
}

func (a *Allocator) activateNextRange() error {
	if a.rng.NextMin == nil {
		return fmt.Errorf("%w: no successor range configured", ErrRangeExhausted)
	}

	a.cfg.PutBigInt(a.key(keyBegin), a.rng.NextMin)
	a.cfg.PutBigInt(a.key(keyEnd), a.rng.NextMax)
	a.cfg.PutBigInt(a.key(keyCounter), big.NewInt(0))
	a.cfg.RemoveKey(a.key(keyNextBegin))
	a.cfg.RemoveKey(a.key(keyNextEnd))
	if err := a.cfg.Commit(true); err != nil {
		return err
	}

	a.logger.Info("range-activated", lager.Data{
		"previous-min": a.rng.Min.String(),
		"previous-max": a.rng.Max.String(),
		"min":          a.rng.NextMin.String(),
		"max":          a.rng.NextMax.String(),
	})

	a.rng.Min, a.rng.Max = a.rng.NextMin, a.rng.NextMax
	a.rng.NextMin, a.rng.NextMax = nil, nil
	a.rng.Counter = big.NewInt(0)
	metrics.SerialRangeEvents.WithLabelValues("activated").Inc()
	return nil
}

func (a *Allocator) reconcilePolicy(force bool) error {
	lsession := a.logger.Session("reconcile-policy", lager.Data{"declared": a.rng.Policy, "force": force})

	marker, err := a.cfg.GetString(a.key(keyPolicy), "")
	if err != nil {
		lsession.Error("read-policy-marker", err)
		return err
	}

	if marker == "" {
		a.cfg.PutString(a.key(keyPolicy), string(a.rng.Policy))
		if err := a.cfg.Commit(true); err != nil {
			lsession.Error("write-policy-marker", err)
			return err
		}
		lsession.Info("policy-marker-created")
		return nil
	}

	stored, err := ParsePolicy(marker)
	if err != nil {
		lsession.Error("parse-policy-marker", err)
		return err
	}
	if stored == a.rng.Policy {
		return nil
	}

	if !force {
		lsession.Info("policy-reverted-to-stored", lager.Data{"stored": stored})
		a.rng.Policy = stored
		return nil
	}

	previous := a.rng.Counter
	if err := a.recomputeCounter(); err != nil {
		lsession.Error("recompute-counter", err)
		return err
	}
	// a sequential counter must never move backwards over issued numbers
	if a.rng.Policy == Sequential && previous.Cmp(a.rng.Counter) > 0 {
		a.rng.Counter = previous
	}

	a.cfg.PutString(a.key(keyPolicy), string(a.rng.Policy))
	a.cfg.PutBigInt(a.key(keyCounter), a.rng.Counter)
	if err := a.cfg.Commit(true); err != nil {
		a.rng.Counter = previous
		lsession.Error("write-policy-marker", err)
		return err
	}

	metrics.SerialRangeEvents.WithLabelValues("policy-switched").Inc()
	lsession.Info("policy-switched", lager.Data{"from": stored, "counter": a.rng.Counter.String()})
	return nil
}

// recomputeCounter derives the counter from the highest serial issued inside
// the active range.
func (a *Allocator) recomputeCounter() error {
	filter := models.And(
		models.Ge(models.AttrSerialNo, a.rng.Min),
		models.Le(models.AttrSerialNo, a.rng.Max),
	)
	cursor := a.records.Search(filter, "-"+models.AttrSerialNo, 1)

	counter := big.NewInt(0)
	if cursor.Next() {
		highest := cursor.Record().Serial()
		counter.Sub(highest, a.rng.Min)
		counter.Add(counter, one)
	}
	if err := cursor.Err(); err != nil {
		return err
	}

	a.rng.Counter = counter
	a.logger.Info("counter-recomputed", lager.Data{"counter": counter.String()})
	return nil
}

// persistCounter stages the counter and hands it to the asynchronous flusher.
// It runs under the allocator lock so counters reach the store in order.
func (a *Allocator) persistCounter() {
	a.cfg.PutBigInt(a.key(keyCounter), a.rng.Counter)
	if err := a.cfg.Commit(false); err != nil {
		a.logger.Error("persist-counter", err)
	}
}

func (a *Allocator) load() error {
	lsession := a.logger.Session("load")

	seeded, err := a.cfg.GetString(a.key(keyBegin), "")
	if err != nil {
		lsession.Error("read-range", err)
		return err
	}

	rng := Range{Policy: a.options.Policy}
	reads := []struct {
		key    string
		def    *big.Int
		target **big.Int
	}{
		{keyBegin, a.options.Begin, &rng.Min},
		{keyEnd, a.options.End, &rng.Max},
		{keyNextBegin, nil, &rng.NextMin},
		{keyNextEnd, nil, &rng.NextMax},
		{keyLowWaterMark, a.options.LowWaterMark, &rng.LowWaterMark},
		{keyIncrement, a.options.Increment, &rng.Increment},
		{keyCounter, untracked, &rng.Counter},
	}
	for _, read := range reads {
		value, err := a.cfg.GetBigInt(a.key(read.key), read.def)
		if err != nil {
			lsession.Error("read-range", err, lager.Data{"key": read.key})
			return err
		}
		*read.target = cloneInt(value)
	}

	if err := rng.validate(); err != nil {
		lsession.Error("validate-range", err)
		return err
	}
	a.rng = rng

	if seeded == "" {
		a.cfg.PutBigInt(a.key(keyBegin), rng.Min)
		a.cfg.PutBigInt(a.key(keyEnd), rng.Max)
		a.cfg.PutBigInt(a.key(keyLowWaterMark), rng.LowWaterMark)
		a.cfg.PutBigInt(a.key(keyIncrement), rng.Increment)
		if err := a.cfg.Commit(true); err != nil {
			lsession.Error("seed-range", err)
			return err
		}
		lsession.Info("range-seeded", lager.Data{"min": rng.Min.String(), "max": rng.Max.String()})
	}

	if err := a.reconcilePolicy(a.options.ForcePolicy); err != nil {
		return err
	}

	if a.rng.Counter.Sign() < 0 {
		if err := a.recomputeCounter(); err != nil {
			lsession.Error("recompute-counter", err)
			return err
		}
		a.persistCounter()
	}

	lsession.Info("loaded", lager.Data{
		"policy":  a.rng.Policy,
		"min":     a.rng.Min.String(),
		"max":     a.rng.Max.String(),
		"counter": a.rng.Counter.String(),
	})
	return nil
}

func (a *Allocator) key(name string) string {
	return a.options.ConfigPrefix + "." + name
}
