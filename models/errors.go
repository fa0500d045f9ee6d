package models

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jinzhu/gorm"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrRecordExists     = errors.New("record already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrAttributeExists  = errors.New("attribute already exists")
	ErrNoSuchAttribute  = errors.New("no such attribute value")
)

// classify maps driver level failures onto the store error kinds so callers can
// tell a retryable outage from a permanent failure.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrRecordNotFound),
		errors.Is(err, ErrRecordExists),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrAttributeExists),
		errors.Is(err, ErrNoSuchAttribute):
		return err
	case gorm.IsRecordNotFoundError(err):
		return ErrRecordNotFound
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return unavailable(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %v", ErrRecordExists, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57", pqErr.Code.Class() == "53":
			return unavailable(err)
		}
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %v", ErrRecordExists, err)
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return unavailable(err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return unavailable(err)
	}

	if strings.Contains(err.Error(), "sql: database is closed") {
		return unavailable(err)
	}

	return err
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func withTransaction(db *gorm.DB, fn func(tx *gorm.DB) error) (err error) {
	tx := db.Begin()
	if tx.Error != nil {
		return classify(tx.Error)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return classify(err)
	}

	return classify(tx.Commit().Error)
}
