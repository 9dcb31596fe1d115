package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/attendance"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/portal"
	emailsvc "github.com/trezcool/portal/services/email"
	logsvc "github.com/trezcool/portal/services/logger"
	"github.com/trezcool/portal/services/resources"
	"github.com/trezcool/portal/storage"
	"github.com/trezcool/portal/storage/sqlstore"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	ctx := context.Background()

	var exitCode int
	defer func() { os.Exit(exitCode) }()

	// migrations run before the store is opened
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		cli := commandLine{
			openDB: func() (*sqlx.DB, error) { return sqlstore.OpenDB(conf) },
			out:    os.Stdout,
		}
		exitCode = runCLI(&cli, logger)
		return
	}

	store, err := storage.Open(ctx, conf, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("opening %s store: %v", conf.Store.Engine, err), err)
		exitCode = 1
		return
	}
	defer store.Close()

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	entity.InitValidators(validate, translator)
	auth.InitValidators(validate, translator)

	var mailSvc core.EmailService
	if conf.SendgridApiKey == "" {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	defer emailsvc.Wait()

	var resStore resources.Store
	if conf.B2.AccountID != "" {
		if resStore, err = resources.NewB2Store(ctx, conf); err != nil {
			logger.Error(fmt.Sprintf("setting up b2 resources: %v", err), err)
			exitCode = 1
			return
		}
	} else {
		resStore = resources.NewLocalStore(conf.Resources.Dir, conf.Resources.BaseURL)
	}

	p := portal.New(conf, portal.Deps{Store: store, Validate: validate, Logger: logger, Resources: resStore})

	p.Theme.Load()
	// start CLI
	cli := commandLine{
		authSvc: auth.NewService(conf, auth.Deps{
			Store:    store,
			Validate: validate,
			MailSvc:  mailSvc,
			Logger:   logger,
		}),
		portal:     p,
		attendance: attendance.NewService(p.Attendance, conf.FrontendBaseURL, nil, logger),
		mailSvc:    mailSvc,
		openDB:     func() (*sqlx.DB, error) { return sqlstore.OpenDB(conf) },
		out:        os.Stdout,
	}
	exitCode = runCLI(&cli, logger)
}

func runCLI(cli *commandLine, logger core.Logger) int {
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("error: %v", err), err)
		}
		return 1
	}
	return 0
}
