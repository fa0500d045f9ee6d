package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/18F/cf-ca-lifecycle/config"
	"github.com/18F/cf-ca-lifecycle/crl"
	"github.com/18F/cf-ca-lifecycle/healthchecks"
	"github.com/18F/cf-ca-lifecycle/metrics"
	"github.com/18F/cf-ca-lifecycle/models"
	"github.com/18F/cf-ca-lifecycle/scheduler"
	"github.com/18F/cf-ca-lifecycle/serial"
	"github.com/18F/cf-ca-lifecycle/status"
	"github.com/18F/cf-ca-lifecycle/utils"
)

func main() {
	logger := lager.NewLogger("ca-cron")
	logger.RegisterSink(lager.NewWriterSink(os.Stderr, lager.INFO))

	settings, err := config.NewSettings()
	if err != nil {
		logger.Fatal("new-settings", err)
	}

	db, err := config.Connect(settings)
	if err != nil {
		logger.Fatal("connect", err)
	}
	defer db.Close()

	if err := models.Migrate(db); err != nil {
		logger.Fatal("migrate", err)
	}

	issuingPoints, err := config.LoadIssuingPoints(settings)
	if err != nil {
		logger.Fatal("load-issuing-points", err)
	}

	configStore := models.NewConfigStore(logger, db)
	defer configStore.Close()

	records := models.RecordStore{Database: db}

	serialOptions, err := serial.OptionsFromSettings(settings)
	if err != nil {
		logger.Fatal("serial-options", err)
	}
	allocator, err := serial.NewAllocator(logger, records, configStore, serialOptions)
	if err != nil {
		logger.Fatal("serial-allocator", err)
	}

	checks := map[string]healthchecks.Check{
		"database": healthchecks.CreateDatabaseChecker(db),
	}

	var archive crl.Archiver
	if settings.Bucket != "" {
		svc := s3.New(session.Must(session.NewSession(aws.NewConfig().WithRegion(settings.AwsDefaultRegion))))
		archive = &utils.CRLArchive{Settings: settings, Service: svc}
		checks["s3"] = healthchecks.CreateS3Checker(svc)
	}

	ipStore := models.IssuingPointStore{Database: db}
	var ledgers []*crl.Ledger
	for _, point := range issuingPoints {
		ledger, err := crl.Load(logger, ipStore, point)
		if err != nil {
			logger.Fatal("load-ledger", err, lager.Data{"issuing-point": point.ID})
		}
		if archive != nil {
			ledger.SetArchiver(archive)
		}
		ledgers = append(ledgers, ledger)
	}

	engine := status.NewEngine(logger, records, ledgers, &sync.Mutex{}, status.Options{
		MaxRecordsPerSweep: settings.MaxRecordsPerSweep,
		PageSize:           settings.SweepPageSize,
	})
	if err := engine.RecoverIssuingPoints(); err != nil {
		logger.Error("recover-issuing-points", err)
	}

	jobs := scheduler.New(logger)
	for _, job := range []scheduler.Job{
		{Name: "serial-range-maintenance", Interval: settings.SerialMaintenanceInterval, Run: allocator.MaintainRange},
		{Name: "status-reconcile", Interval: settings.ReconcileInterval, Run: engine.Reconcile},
	} {
		if err := jobs.Add(job); err != nil {
			logger.Fatal("add-job", err)
		}
	}

	logger.Info("starting-cron")
	jobs.Start()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", settings.Port),
		Handler:           bindHTTPHandlers(settings, checks),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if tlsConfig := settings.TLS(); tlsConfig != nil {
		server.TLSConfig, err = tlsConfig.GenerateTLSConfig()
		if err != nil {
			logger.Fatal("tls-config", err)
		}
	}

	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", err)
		}
	}()

	sig := waitForExit()
	logger.Info("stopping", lager.Data{"signal": sig.String()})

	jobs.Stop()
	allocator.WaitForMaintenance()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", err)
	}
}

func bindHTTPHandlers(settings config.Settings, checks map[string]healthchecks.Check) http.Handler {
	mux := http.NewServeMux()
	healthchecks.Bind(mux, settings, checks)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func waitForExit() os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return <-c
}
