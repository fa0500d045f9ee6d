package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/jinzhu/gorm"
)

// CleanMarker is the FirstUnsaved value of an issuing point whose pending maps
// are fully reflected by its last published CRL.
const CleanMarker int64 = -1

// BigInt persists an arbitrary precision number as decimal text.
type BigInt struct {
	*big.Int
}

func NewBigInt(n int64) BigInt {
	return BigInt{big.NewInt(n)}
}

func (b BigInt) Value() (driver.Value, error) {
	if b.Int == nil {
		return "0", nil
	}
	return b.Int.String(), nil
}

func (b *BigInt) Scan(value interface{}) error {
	var text string
	switch v := value.(type) {
	case string:
		text = v
	case []byte:
		text = string(v)
	case int64:
		b.Int = big.NewInt(v)
		return nil
	default:
		return fmt.Errorf("%v-is-incompatible", value)
	}
	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return fmt.Errorf("%q is not a decimal number", text)
	}
	b.Int = n
	return nil
}

// RevocationMap holds pending CRL entries keyed by decimal serial number.
type RevocationMap map[string]RevocationInfo

func (m RevocationMap) Value() (driver.Value, error) {
	if m == nil {
		m = RevocationMap{}
	}
	b, err := json.Marshal(map[string]RevocationInfo(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *RevocationMap) Scan(value interface{}) error {
	if value == nil {
		*m = RevocationMap{}
		return nil
	}
	return scanJSON(value, (*map[string]RevocationInfo)(m))
}

func (m RevocationMap) Copy() RevocationMap {
	out := make(RevocationMap, len(m))
	for serial, info := range m {
		out[serial] = info
	}
	return out
}

type IssuingPointRecord struct {
	ID             string `gorm:"primary_key;size:255"`
	CRLNumber      BigInt `gorm:"column:crl_number;type:varchar(64);not null"`
	CRLSize        int64  `gorm:"column:crl_size"`
	ThisUpdate     *time.Time
	NextUpdate     *time.Time
	DeltaNumber    BigInt `gorm:"type:varchar(64);not null"`
	DeltaSize      int64
	RevokedCerts   RevocationMap `gorm:"type:text"`
	UnrevokedCerts RevocationMap `gorm:"type:text"`
	ExpiredCerts   RevocationMap `gorm:"type:text"`
	FirstUnsaved   int64         `gorm:"not null"`
	CRL            []byte        `gorm:"column:crl"`
	DeltaCRL       []byte        `gorm:"column:delta_crl"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (IssuingPointRecord) TableName() string {
	return "crl_issuing_points"
}

func NewIssuingPointRecord(id string) *IssuingPointRecord {
	return &IssuingPointRecord{
		ID:             id,
		CRLNumber:      NewBigInt(0),
		DeltaNumber:    NewBigInt(0),
		RevokedCerts:   RevocationMap{},
		UnrevokedCerts: RevocationMap{},
		ExpiredCerts:   RevocationMap{},
		FirstUnsaved:   CleanMarker,
	}
}

type IssuingPointStoreInterface interface {
	Load(id string) (*IssuingPointRecord, error)
	Create(record *IssuingPointRecord) error
	MarkUnsaved(id string, seq int64) error
	SavePending(id string, revoked, unrevoked, expired RevocationMap, firstUnsaved int64) error
	PublishFull(id string, number *big.Int, size int64, thisUpdate, nextUpdate time.Time, encoded []byte) error
	PublishDelta(id string, number *big.Int, size int64, nextUpdate time.Time, encoded []byte) error
}

type IssuingPointStore struct {
	Database *gorm.DB
}

func (s IssuingPointStore) Load(id string) (*IssuingPointRecord, error) {
	record := IssuingPointRecord{}
	if err := s.Database.First(&record, "id = ?", id).Error; err != nil {
		return nil, classify(err)
	}
	if record.RevokedCerts == nil {
		record.RevokedCerts = RevocationMap{}
	}
	if record.UnrevokedCerts == nil {
		record.UnrevokedCerts = RevocationMap{}
	}
	if record.ExpiredCerts == nil {
		record.ExpiredCerts = RevocationMap{}
	}
	return &record, nil
}

func (s IssuingPointStore) Create(record *IssuingPointRecord) error {
	return classify(s.Database.Create(record).Error)
}

// MarkUnsaved flags the pending maps as possibly incomplete. An already dirty
// marker keeps the sequence of the first unsaved change.
func (s IssuingPointStore) MarkUnsaved(id string, seq int64) error {
	result := s.Database.Model(&IssuingPointRecord{}).
		Where("id = ? AND first_unsaved = ?", id, CleanMarker).
		Update("first_unsaved", seq)
	if result.Error != nil {
		return classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return s.exists(id)
	}
	return nil
}

func (s IssuingPointStore) SavePending(id string, revoked, unrevoked, expired RevocationMap, firstUnsaved int64) error {
	return s.update(id, map[string]interface{}{
		"revoked_certs":   revoked,
		"unrevoked_certs": unrevoked,
		"expired_certs":   expired,
		"first_unsaved":   firstUnsaved,
	})
}

// PublishFull records a freshly built CRL and clears the pending maps in the
// same statement.
func (s IssuingPointStore) PublishFull(id string, number *big.Int, size int64, thisUpdate, nextUpdate time.Time, encoded []byte) error {
	thisUpdate = normalizeTime(thisUpdate)
	nextUpdate = normalizeTime(nextUpdate)
	return s.update(id, map[string]interface{}{
		"crl_number":      BigInt{number},
		"crl_size":        size,
		"this_update":     thisUpdate,
		"next_update":     nextUpdate,
		"crl":             encoded,
		"revoked_certs":   RevocationMap{},
		"unrevoked_certs": RevocationMap{},
		"expired_certs":   RevocationMap{},
		"first_unsaved":   CleanMarker,
	})
}

func (s IssuingPointStore) PublishDelta(id string, number *big.Int, size int64, nextUpdate time.Time, encoded []byte) error {
	nextUpdate = normalizeTime(nextUpdate)
	return s.update(id, map[string]interface{}{
		"delta_number": BigInt{number},
		"delta_size":   size,
		"next_update":  nextUpdate,
		"delta_crl":    encoded,
	})
}

func (s IssuingPointStore) update(id string, attrs map[string]interface{}) error {
	return withTransaction(s.Database, func(tx *gorm.DB) error {
		result := tx.Model(&IssuingPointRecord{}).Where("id = ?", id).Updates(attrs)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
}

func (s IssuingPointStore) exists(id string) error {
	var count int
	if err := s.Database.Model(&IssuingPointRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return classify(err)
	}
	if count == 0 {
		return ErrRecordNotFound
	}
	return nil
}
