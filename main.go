package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"peerlink/config"
	"peerlink/events"
	"peerlink/server"
	"peerlink/storage"
)

func main() {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}
	logrus.SetLevel(cfg.LogrusLevel())

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Error("database close error")
		}
	}()

	opts := server.OptionsFromConfig(cfg)
	opts.Archive = store
	srv, err := server.New(opts)
	if err != nil {
		logrus.Fatalf("startup failed while starting server: %v", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logrus.WithError(err).Error("server close error")
		}
	}()

	local := srv.Local()
	if err := store.SetLocalAddress(local.Address()); err != nil {
		logrus.WithError(err).Warn("could not record local address")
	}
	if _, err := srv.TransferFolder(); err != nil {
		logrus.Fatalf("startup failed while preparing transfer folder: %v", err)
	}

	fmt.Printf("Server ID:       %s\n", cfg.ServerID)
	fmt.Printf("Server Name:     %s\n", cfg.ServerName)
	fmt.Printf("Listening On:    %s\n", local.Address())
	fmt.Printf("Transfer Folder: %s\n", cfg.TransferFolder)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)
	fmt.Printf("Run ID:          %s\n", store.RunID())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progress, cancelProgress := srv.OnFileTransferProgress(0)
	defer cancelProgress()
	go logProgress(progress)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := srv.Run(ctx); err != nil {
		logrus.WithError(err).Error("server stopped with error")
	}
	fmt.Println("Status:          shutting down")
}

func logProgress(updates <-chan events.Event) {
	for e := range updates {
		logrus.WithFields(logrus.Fields{
			"transfer_id": e.TransferID,
			"file":        e.FileName,
			"remaining":   humanize.Bytes(uint64(e.BytesRemaining)),
		}).Infof("transfer %.0f%% complete", e.Percent*100)
	}
}
