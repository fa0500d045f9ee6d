package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
)

type Settings struct {
	Port            string `envconfig:"port" default:"3000"`
	DatabaseDialect string `envconfig:"database_dialect" default:"postgres"`
	DatabaseUrl     string `envconfig:"database_url" required:"true"`

	SerialConfigPrefix                string `envconfig:"serial_config_prefix" default:"dbs.serial"`
	SerialPolicy                      string `envconfig:"serial_policy" default:"sequential"`
	SerialForcePolicy                 bool   `envconfig:"serial_force_policy" default:"false"`
	SerialBegin                       string `envconfig:"serial_begin" default:"1"`
	SerialEnd                         string `envconfig:"serial_end" default:"10000000"`
	SerialLowWaterMark                string `envconfig:"serial_low_water_mark" default:"2000000"`
	SerialIncrement                   string `envconfig:"serial_increment" default:"10000000"`
	MinRandomBitLength                int    `envconfig:"min_random_bit_length" default:"4"`
	MaxCollisionRecoverySteps         int    `envconfig:"max_collision_recovery_steps" default:"10"`
	MaxCollisionRecoveryRegenerations int    `envconfig:"max_collision_recovery_regenerations" default:"3"`

	MaxRecordsPerSweep int `envconfig:"max_records_per_sweep" default:"1000"`
	SweepPageSize      int `envconfig:"sweep_page_size" default:"200"`

	SerialMaintenanceInterval time.Duration `envconfig:"serial_maintenance_interval" default:"10m"`
	ReconcileInterval         time.Duration `envconfig:"reconcile_interval" default:"1h"`

	IssuingPointsFile string `envconfig:"issuing_points_file"`

	Bucket           string `envconfig:"bucket"`
	AwsDefaultRegion string `envconfig:"aws_default_region" default:"us-east-1"`

	TLSCertificate string `envconfig:"tls_certificate"`
	TLSPrivateKey  string `envconfig:"tls_private_key"`
}

func NewSettings() (Settings, error) {
	var settings Settings
	err := envconfig.Process("ca", &settings)
	if err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func Connect(settings Settings) (*gorm.DB, error) {
	switch settings.DatabaseDialect {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", settings.DatabaseDialect)
	}

	db, err := gorm.Open(settings.DatabaseDialect, settings.DatabaseUrl)
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY between our own goroutines
	if settings.DatabaseDialect == "sqlite3" {
		db.DB().SetMaxOpenConns(1)
	}
	return db, nil
}

// TLS returns the listener TLS material, or nil when none is configured.
func (s Settings) TLS() *TLSConfig {
	if s.TLSCertificate == "" && s.TLSPrivateKey == "" {
		return nil
	}
	return &TLSConfig{
		Certificate: s.TLSCertificate,
		PrivateKey:  s.TLSPrivateKey,
	}
}
