package models

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/jinzhu/gorm"
)

type ConfigEntry struct {
	Name      string `gorm:"primary_key;size:255"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

type ConfigStoreInterface interface {
	GetString(key, def string) (string, error)
	GetInt(key string, def int64) (int64, error)
	GetBigInt(key string, def *big.Int) (*big.Int, error)
	PutString(key, value string)
	PutInt(key string, value int64)
	PutBigInt(key string, value *big.Int)
	RemoveKey(key string)
	Commit(sync bool) error
}

type pendingValue struct {
	value *string
	seq   uint64
}

type flushRequest struct {
	batch map[string]*string
	seq   uint64
	done  chan error
}

// ConfigStore keeps scalar settings in the database. Puts are staged in memory
// and written in one transaction on Commit. Asynchronous commits are applied in
// order by a single background flusher; until then their values stay visible
// to readers of this store.
type ConfigStore struct {
	Database *gorm.DB

	logger    lager.Logger
	mu        sync.Mutex
	staged    map[string]*string
	unflushed map[string]pendingValue
	seq       uint64

	startOnce sync.Once
	requests  chan flushRequest
	stopped   chan struct{}
}

func NewConfigStore(logger lager.Logger, db *gorm.DB) *ConfigStore {
	return &ConfigStore{
		Database:  db,
		logger:    logger.Session("config-store"),
		staged:    map[string]*string{},
		unflushed: map[string]pendingValue{},
		requests:  make(chan flushRequest, 64),
		stopped:   make(chan struct{}),
	}
}

func (c *ConfigStore) GetString(key, def string) (string, error) {
	value, found, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	if !found {
		return def, nil
	}
	return value, nil
}

func (c *ConfigStore) GetInt(key string, def int64) (int64, error) {
	value, found, err := c.lookup(key)
	if err != nil {
		return 0, err
	}
	if !found {
		return def, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config %s: %q is not an integer", key, value)
	}
	return n, nil
}

func (c *ConfigStore) GetBigInt(key string, def *big.Int) (*big.Int, error) {
	value, found, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return def, nil
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("config %s: %q is not an integer", key, value)
	}
	return n, nil
}

func (c *ConfigStore) PutString(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged[key] = &value
}

func (c *ConfigStore) PutInt(key string, value int64) {
	c.PutString(key, strconv.FormatInt(value, 10))
}

func (c *ConfigStore) PutBigInt(key string, value *big.Int) {
	c.PutString(key, value.String())
}

func (c *ConfigStore) RemoveKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged[key] = nil
}

// Commit writes the staged changes. With sync the call returns once the
// transaction is committed; otherwise the batch is queued for the flusher and
// failures are only logged. A failed batch is dropped, callers stage again.
func (c *ConfigStore) Commit(sync bool) error {
	c.mu.Lock()
	batch := c.staged
	c.staged = map[string]*string{}
	if len(batch) == 0 {
		c.mu.Unlock()
		return nil
	}

	c.seq++
	seq := c.seq
	for key, value := range batch {
		c.unflushed[key] = pendingValue{value: value, seq: seq}
	}
	c.mu.Unlock()

	if sync {
		// earlier asynchronous batches must land first or they would overwrite this one
		c.Flush()
		err := c.apply(batch)
		c.settle(batch, seq)
		return err
	}

	c.startOnce.Do(func() { go c.flusher() })
	c.requests <- flushRequest{batch: batch, seq: seq}
	return nil
}

// Flush waits until every asynchronous commit issued before it is applied.
func (c *ConfigStore) Flush() {
	c.startOnce.Do(func() { go c.flusher() })
	done := make(chan error, 1)
	c.requests <- flushRequest{done: done}
	<-done
}

// Close drains the flusher.
func (c *ConfigStore) Close() {
	c.Flush()
	close(c.requests)
	<-c.stopped
}

func (c *ConfigStore) flusher() {
	defer close(c.stopped)

	for request := range c.requests {
		if request.batch == nil {
			request.done <- nil
			continue
		}

		if err := c.apply(request.batch); err != nil {
			c.logger.Error("async-commit", err, lager.Data{"keys": len(request.batch)})
		}

		c.settle(request.batch, request.seq)
	}
}

func (c *ConfigStore) settle(batch map[string]*string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range batch {
		if pending, ok := c.unflushed[key]; ok && pending.seq == seq {
			delete(c.unflushed, key)
		}
	}
}

func (c *ConfigStore) lookup(key string) (string, bool, error) {
	c.mu.Lock()
	if value, ok := c.staged[key]; ok {
		c.mu.Unlock()
		if value == nil {
			return "", false, nil
		}
		return *value, true, nil
	}
	if pending, ok := c.unflushed[key]; ok {
		c.mu.Unlock()
		if pending.value == nil {
			return "", false, nil
		}
		return *pending.value, true, nil
	}
	c.mu.Unlock()

	entry := ConfigEntry{}
	err := c.Database.First(&entry, "name = ?", key).Error
	if gorm.IsRecordNotFoundError(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return entry.Value, true, nil
}

func (c *ConfigStore) apply(batch map[string]*string) error {
	return withTransaction(c.Database, func(tx *gorm.DB) error {
		for key, value := range batch {
			if value == nil {
				if err := tx.Delete(&ConfigEntry{}, "name = ?", key).Error; err != nil {
					return err
				}
				continue
			}
			if err := tx.Save(&ConfigEntry{Name: key, Value: *value}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
