// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"flag"

	"github.com/CrawX/go-mail-warden/accounts"
	"github.com/CrawX/go-mail-warden/api"
	"github.com/CrawX/go-mail-warden/classify"
	"github.com/CrawX/go-mail-warden/cleanup"
	"github.com/CrawX/go-mail-warden/config"
	"github.com/CrawX/go-mail-warden/log"
	"github.com/CrawX/go-mail-warden/oauth"
	"github.com/CrawX/go-mail-warden/persistence"
	"github.com/CrawX/go-mail-warden/vault"
)

func main() {
	configFile := flag.String("config", "config.toml", "path to the configuration file")
	flag.Parse()

	log.InitLogging("info")
	l := log.Logger(log.LOG_MAIN)

	conf, err := config.ReadConfig(*configFile)
	if err != nil {
		l.WithError(err).Fatal("Could not read configuration")
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	store, err := persistence.NewPersistence(conf.Database)
	if err != nil {
		l.WithError(err).Fatal("Could not open database")
	}
	defer func() {
		_ = store.Close()
	}()

	credentialVault, err := vault.NewVault(conf.VaultService, conf.VaultFileDir)
	if err != nil {
		l.WithError(err).Fatal("Could not open credential vault")
	}

	oauthHandler := oauth.NewHandler(credentialVault)
	manager := accounts.NewManager(store, credentialVault, oauthHandler, accounts.DefaultConnectorFactory(credentialVault))
	defer manager.Close()

	classifier := classify.NewClassifier(conf.SpamKeywords, conf.SpamThreshold)

	engine, err := cleanup.NewEngine(
		manager,
		classifier,
		cleanup.BatchSize(conf.BatchSize),
		cleanup.SpamFolder(conf.SpamFolder),
		cleanup.ClassifyConcurrency(conf.CleanupWorkers),
		cleanup.AuditTo(store),
	)
	if err != nil {
		l.WithError(err).Fatal("Could not configure cleanup engine")
	}

	server := api.NewServer(manager, engine, classifier, conf.CleanupWorkers)
	err = server.Listen(conf.Listen)
	if err != nil {
		l.WithError(err).Fatal("Server failed")
	}
}
