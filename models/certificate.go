package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// SerialKeyDigits is the width of the zero padded decimal primary key, which
// keeps lexical and numeric order of serial numbers identical.
const SerialKeyDigits = 48

type CertRecord struct {
	SerialKey    string          `gorm:"primary_key;size:48"`
	SerialNumber string          `gorm:"not null"`
	Status       CertStatus      `gorm:"column:cert_status;not null;index"`
	NotBefore    time.Time       `gorm:"not null;index"`
	NotAfter     time.Time       `gorm:"not null;index"`
	RevInfo      *RevocationInfo `gorm:"type:text"`
	RevokedOn    *time.Time
	RevokedBy    string
	AutoRenew    AutoRenew `gorm:"not null;default:'disabled'"`
	MetaInfo     MetaInfo  `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewCertRecord builds the record written at issuance. The initial status is
// INVALID only while the certificate is not yet valid.
func NewCertRecord(serial *big.Int, notBefore, notAfter time.Time, meta map[string]string, now time.Time) (*CertRecord, error) {
	key, err := SerialKey(serial)
	if err != nil {
		return nil, err
	}

	status := StatusValid
	if notBefore.After(now) {
		status = StatusInvalid
	}

	return &CertRecord{
		SerialKey:    key,
		SerialNumber: serial.String(),
		Status:       status,
		NotBefore:    normalizeTime(notBefore),
		NotAfter:     normalizeTime(notAfter),
		AutoRenew:    AutoRenewDisabled,
		MetaInfo:     MetaInfo(meta),
	}, nil
}

func (r *CertRecord) Serial() *big.Int {
	n, _ := new(big.Int).SetString(r.SerialNumber, 10)
	return n
}

func SerialKey(serial *big.Int) (string, error) {
	if serial == nil || serial.Sign() < 0 {
		return "", fmt.Errorf("invalid serial number %v", serial)
	}
	digits := serial.String()
	if len(digits) > SerialKeyDigits {
		return "", fmt.Errorf("serial number %s exceeds %d digits", digits, SerialKeyDigits)
	}
	return strings.Repeat("0", SerialKeyDigits-len(digits)) + digits, nil
}

// normalizeTime stores every timestamp in UTC at second precision so that
// round trips through any dialect compare equal.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

type RevocationReason int

// RFC 5280 CRLReason codes.
const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

type RevocationInfo struct {
	Date   time.Time        `json:"date"`
	Reason RevocationReason `json:"reason"`
}

func (i RevocationInfo) Normalize() RevocationInfo {
	i.Date = normalizeTime(i.Date)
	return i
}

func (i RevocationInfo) Equal(other RevocationInfo) bool {
	return i.Reason == other.Reason && normalizeTime(i.Date).Equal(normalizeTime(other.Date))
}

func (i RevocationInfo) Value() (driver.Value, error) {
	b, err := json.Marshal(i.Normalize())
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (i *RevocationInfo) Scan(value interface{}) error {
	return scanJSON(value, i)
}

type MetaInfo map[string]string

func (m MetaInfo) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *MetaInfo) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSON(value, (*map[string]string)(m))
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case string:
		return json.Unmarshal([]byte(v), dest)
	case []byte:
		return json.Unmarshal(v, dest)
	default:
		err := fmt.Errorf("%v-is-incompatible", value)
		helperLogger.Session("json-scan").Error("scan-switch", err)
		return err
	}
}
