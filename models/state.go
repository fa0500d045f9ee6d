package models

import (
	"database/sql/driver"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
)

var helperLogger = lager.NewLogger("helper-logger")

type CertStatus string

const (
	StatusInvalid        CertStatus = "INVALID"
	StatusValid          CertStatus = "VALID"
	StatusExpired        CertStatus = "EXPIRED"
	StatusRevoked        CertStatus = "REVOKED"
	StatusRevokedExpired CertStatus = "REVOKED_EXPIRED"
)

// Marshal a `CertStatus` to a `string` when saving to the database
func (s CertStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Unmarshal an `interface{}` to a `CertStatus` when reading from the database
func (s *CertStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = CertStatus(v)
	case []byte:
		*s = CertStatus(v)
	default:
		err := fmt.Errorf("%v-is-incompatible", value)
		helperLogger.Session("cert-status-scan").Error("scan-switch", err)
		return err
	}
	return nil
}

// IsRevoked reports whether the status carries revocation information.
func (s CertStatus) IsRevoked() bool {
	return s == StatusRevoked || s == StatusRevokedExpired
}

type AutoRenew string

const (
	AutoRenewDisabled AutoRenew = "disabled"
	AutoRenewEnabled  AutoRenew = "enabled"
	AutoRenewDone     AutoRenew = "done"
	AutoRenewNotified AutoRenew = "notified"
)
