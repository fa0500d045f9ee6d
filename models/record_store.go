package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/jinzhu/gorm"
)

type ModOp int

const (
	ModAdd ModOp = iota
	ModReplace
	ModDelete
)

func (o ModOp) String() string {
	switch o {
	case ModAdd:
		return "add"
	case ModReplace:
		return "replace"
	case ModDelete:
		return "delete"
	default:
		return fmt.Sprintf("mod-op(%d)", int(o))
	}
}

// Modification changes one attribute of a record. A DELETE must carry the
// currently stored value; a nil Value deletes whatever is stored.
type Modification struct {
	Attr  string
	Op    ModOp
	Value interface{}
}

type RecordStoreInterface interface {
	Read(serial *big.Int) (*CertRecord, error)
	Search(filter Filter, sortKey string, pageSize int) *Cursor
	SearchJumpTo(filter Filter, jumpTo interface{}, sortKey string, pageSize int) *Cursor
	Add(record *CertRecord) error
	Delete(serial *big.Int) error
	Modify(serial *big.Int, mods []Modification) error
	UpdateStatus(serials []*big.Int, from, to CertStatus) (int64, error)
}

type RecordStore struct {
	Database *gorm.DB
}

func (r RecordStore) Read(serial *big.Int) (*CertRecord, error) {
	key, err := SerialKey(serial)
	if err != nil {
		return nil, err
	}

	record := CertRecord{}
	if err := r.Database.First(&record, "serial_key = ?", key).Error; err != nil {
		return nil, classify(err)
	}
	return &record, nil
}

func (r RecordStore) Search(filter Filter, sortKey string, pageSize int) *Cursor {
	return newCursor(r.Database, filter, nil, sortKey, pageSize)
}

// SearchJumpTo positions the cursor on the first record whose sort attribute
// is at or past jumpTo in the sort direction.
func (r RecordStore) SearchJumpTo(filter Filter, jumpTo interface{}, sortKey string, pageSize int) *Cursor {
	if jumpTo == nil {
		cursor := newCursor(r.Database, filter, nil, sortKey, pageSize)
		cursor.err = fmt.Errorf("jump-to value required")
		return cursor
	}
	return newCursor(r.Database, filter, jumpTo, sortKey, pageSize)
}

func (r RecordStore) Add(record *CertRecord) error {
	record.NotBefore = normalizeTime(record.NotBefore)
	record.NotAfter = normalizeTime(record.NotAfter)
	if record.RevokedOn != nil {
		revokedOn := normalizeTime(*record.RevokedOn)
		record.RevokedOn = &revokedOn
	}

	return withTransaction(r.Database, func(tx *gorm.DB) error {
		var count int
		if err := tx.Model(&CertRecord{}).Where("serial_key = ?", record.SerialKey).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: serial %s", ErrRecordExists, record.SerialNumber)
		}
		return tx.Create(record).Error
	})
}

func (r RecordStore) Delete(serial *big.Int) error {
	key, err := SerialKey(serial)
	if err != nil {
		return err
	}

	result := r.Database.Delete(&CertRecord{}, "serial_key = ?", key)
	if result.Error != nil {
		return classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Modify applies all modifications to one record atomically: either every
// modification is valid and stored, or none is.
func (r RecordStore) Modify(serial *big.Int, mods []Modification) error {
	key, err := SerialKey(serial)
	if err != nil {
		return err
	}

	return withTransaction(r.Database, func(tx *gorm.DB) error {
		record := CertRecord{}
		if err := tx.First(&record, "serial_key = ?", key).Error; err != nil {
			return err
		}

		for _, mod := range mods {
			if err := applyModification(&record, mod); err != nil {
				return err
			}
		}

		return tx.Save(&record).Error
	})
}

// UpdateStatus moves every listed record still in status `from` to `to` in a
// single statement and returns how many rows changed.
func (r RecordStore) UpdateStatus(serials []*big.Int, from, to CertStatus) (int64, error) {
	if len(serials) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(serials))
	for _, serial := range serials {
		key, err := SerialKey(serial)
		if err != nil {
			return 0, err
		}
		keys = append(keys, key)
	}

	var affected int64
	err := withTransaction(r.Database, func(tx *gorm.DB) error {
		result := tx.Model(&CertRecord{}).
			Where("serial_key IN (?) AND cert_status = ?", keys, string(from)).
			Update("cert_status", to)
		if result.Error != nil {
			return result.Error
		}
		affected = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func applyModification(record *CertRecord, mod Modification) error {
	switch mod.Attr {
	case AttrCertStatus:
		status, ok := mod.Value.(CertStatus)
		if !ok {
			return fmt.Errorf("attribute %s needs a CertStatus, got %T", mod.Attr, mod.Value)
		}
		switch mod.Op {
		case ModReplace:
			record.Status = status
			return nil
		case ModAdd:
			return fmt.Errorf("%w: %s", ErrAttributeExists, mod.Attr)
		default:
			return fmt.Errorf("attribute %s cannot be deleted", mod.Attr)
		}

	case AttrRevInfo:
		var value *RevocationInfo
		if mod.Value != nil {
			info, ok := mod.Value.(RevocationInfo)
			if !ok {
				return fmt.Errorf("attribute %s needs a RevocationInfo, got %T", mod.Attr, mod.Value)
			}
			info = info.Normalize()
			value = &info
		}
		present := record.RevInfo != nil
		matches := value == nil || (present && record.RevInfo.Equal(*value))
		if err := checkModification(mod, present, matches); err != nil {
			return err
		}
		if mod.Op == ModDelete {
			record.RevInfo = nil
		} else {
			record.RevInfo = value
		}
		return nil

	case AttrRevokedOn:
		var value *time.Time
		if mod.Value != nil {
			t, ok := mod.Value.(time.Time)
			if !ok {
				return fmt.Errorf("attribute %s needs a time.Time, got %T", mod.Attr, mod.Value)
			}
			t = normalizeTime(t)
			value = &t
		}
		present := record.RevokedOn != nil
		matches := value == nil || (present && normalizeTime(*record.RevokedOn).Equal(*value))
		if err := checkModification(mod, present, matches); err != nil {
			return err
		}
		if mod.Op == ModDelete {
			record.RevokedOn = nil
		} else {
			record.RevokedOn = value
		}
		return nil

	case AttrRevokedBy:
		var value string
		if mod.Value != nil {
			s, ok := mod.Value.(string)
			if !ok {
				return fmt.Errorf("attribute %s needs a string, got %T", mod.Attr, mod.Value)
			}
			value = s
		}
		present := record.RevokedBy != ""
		matches := mod.Value == nil || record.RevokedBy == value
		if err := checkModification(mod, present, matches); err != nil {
			return err
		}
		if mod.Op == ModDelete {
			record.RevokedBy = ""
		} else {
			record.RevokedBy = value
		}
		return nil

	case AttrAutoRenew:
		renew, ok := mod.Value.(AutoRenew)
		if !ok || mod.Op != ModReplace {
			return fmt.Errorf("attribute %s only supports replace with an AutoRenew", mod.Attr)
		}
		record.AutoRenew = renew
		return nil

	default:
		return fmt.Errorf("attribute %s cannot be modified", mod.Attr)
	}
}

func checkModification(mod Modification, present, matches bool) error {
	switch mod.Op {
	case ModAdd:
		if present {
			return fmt.Errorf("%w: %s", ErrAttributeExists, mod.Attr)
		}
		if mod.Value == nil {
			return fmt.Errorf("add of %s needs a value", mod.Attr)
		}
	case ModReplace:
		if mod.Value == nil {
			return fmt.Errorf("replace of %s needs a value", mod.Attr)
		}
	case ModDelete:
		if !present || !matches {
			return fmt.Errorf("%w: %s", ErrNoSuchAttribute, mod.Attr)
		}
	default:
		return fmt.Errorf("unknown modification %s", mod.Op)
	}
	return nil
}
