package models

import (
	"fmt"
	"strings"

	"github.com/jinzhu/gorm"
)

var sortColumns = map[string]string{
	AttrSerialNo:  "serial_key",
	AttrNotBefore: "not_before",
	AttrNotAfter:  "not_after",
}

// Cursor walks a filtered, sorted result set one page at a time. Pages are
// fetched with keyset conditions on (sort column, serial key) so memory stays
// bounded by the page size regardless of the number of matches.
type Cursor struct {
	db       *gorm.DB
	filter   Filter
	attr     string
	column   string
	desc     bool
	pageSize int
	jumpTo   interface{}

	page      []CertRecord
	index     int
	last      *CertRecord
	current   *CertRecord
	exhausted bool
	err       error
}

func newCursor(db *gorm.DB, filter Filter, jumpTo interface{}, sortKey string, pageSize int) *Cursor {
	c := &Cursor{db: db, filter: filter, pageSize: pageSize}

	c.desc = strings.HasPrefix(sortKey, "-")
	c.attr = strings.TrimPrefix(sortKey, "-")
	if c.attr == "" {
		c.attr = AttrSerialNo
	}

	column, ok := sortColumns[c.attr]
	if !ok {
		c.err = fmt.Errorf("unsupported sort key %q", sortKey)
		return c
	}
	c.column = column

	if pageSize <= 0 {
		c.err = fmt.Errorf("page size must be positive, got %d", pageSize)
		return c
	}

	if jumpTo != nil {
		value, err := columnValue(c.attr, jumpTo)
		if err != nil {
			c.err = err
			return c
		}
		c.jumpTo = value
	}

	return c
}

// Next advances to the next record, fetching a new page when needed.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}

	if c.index >= len(c.page) {
		if c.exhausted {
			return false
		}
		if err := c.fetch(); err != nil {
			c.err = err
			return false
		}
		if len(c.page) == 0 {
			return false
		}
	}

	c.current = &c.page[c.index]
	c.index++
	return true
}

func (c *Cursor) Record() *CertRecord {
	return c.current
}

func (c *Cursor) Err() error {
	return c.err
}

func (c *Cursor) fetch() error {
	query := c.db.Model(&CertRecord{})

	if c.filter != nil {
		clause, args, err := c.filter.build()
		if err != nil {
			return err
		}
		query = query.Where(clause, args...)
	}

	cmp, jump, direction := ">", ">=", "ASC"
	if c.desc {
		cmp, jump, direction = "<", "<=", "DESC"
	}

	switch {
	case c.last != nil && c.column == "serial_key":
		query = query.Where("serial_key "+cmp+" ?", c.last.SerialKey)
	case c.last != nil:
		value := c.sortValue(c.last)
		query = query.Where(
			fmt.Sprintf("(%s %s ? OR (%s = ? AND serial_key %s ?))", c.column, cmp, c.column, cmp),
			value, value, c.last.SerialKey,
		)
	case c.jumpTo != nil:
		query = query.Where(fmt.Sprintf("%s %s ?", c.column, jump), c.jumpTo)
	}

	order := c.column + " " + direction
	if c.column != "serial_key" {
		order += ", serial_key " + direction
	}

	var page []CertRecord
	if err := query.Order(order).Limit(c.pageSize).Find(&page).Error; err != nil {
		return classify(err)
	}

	c.page = page
	c.index = 0
	if len(page) < c.pageSize {
		c.exhausted = true
	}
	if len(page) > 0 {
		c.last = &page[len(page)-1]
	}
	return nil
}

func (c *Cursor) sortValue(record *CertRecord) interface{} {
	switch c.attr {
	case AttrNotBefore:
		return normalizeTime(record.NotBefore)
	case AttrNotAfter:
		return normalizeTime(record.NotAfter)
	default:
		return record.SerialKey
	}
}
