package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"net/mail"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	echoapi "github.com/trezcool/portal/apps/api/echo"
	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/attendance"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/entity"
	"github.com/trezcool/portal/core/notify"
	"github.com/trezcool/portal/core/portal"
	emailsvc "github.com/trezcool/portal/services/email"
	logsvc "github.com/trezcool/portal/services/logger"
	"github.com/trezcool/portal/services/notifier"
	"github.com/trezcool/portal/services/resources"
	"github.com/trezcool/portal/storage"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	storeLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "STORE : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	ctx := context.Background()

	// set up the document store
	store, err := storage.Open(ctx, conf, storeLogger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening %s store: %v", conf.Store.Engine, err), err)
	}
	defer func() {
		if err = store.Close(); err != nil {
			storeLogger.Error("Failed to close", err)
		}
	}()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	entity.InitValidators(validate, translator)
	auth.InitValidators(validate, translator)

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	authSvc := auth.NewService(conf, auth.Deps{
		Store:     store,
		Validate:  validate,
		MailSvc:   mailSvc,
		Logger:    logger,
		Verifiers: []auth.IdentityVerifier{auth.NewGoogleVerifier(), auth.NewGitHubVerifier()},
	})

	var resStore resources.Store
	resourcesDir := ""
	if conf.B2.AccountID != "" {
		if resStore, err = resources.NewB2Store(ctx, conf); err != nil {
			logger.Fatal(fmt.Sprintf("setting up b2 resources: %v", err), err)
		}
	} else {
		resourcesDir = conf.Resources.Dir
		resStore = resources.NewLocalStore(resourcesDir, conf.Resources.BaseURL)
	}

	// the websocket clients of the server are notified too; server is set before it starts
	var server echoapi.Server
	notifiers := []notify.Notifier{
		notifier.NewLogNotifier(logger),
		notify.Func(func(n notify.Notification) { server.Notifier().Notify(n) }),
	}
	if len(conf.NotifyEmails) > 0 {
		recipients := make([]mail.Address, 0, len(conf.NotifyEmails))
		for _, addr := range conf.NotifyEmails {
			recipients = append(recipients, mail.Address{Address: addr})
		}
		notifiers = append(notifiers, notifier.NewEmailNotifier(mailSvc, recipients...))
	}
	notif := notifier.NewMultiNotifier(notifiers...)

	p := portal.New(conf, portal.Deps{
		Store:     store,
		Validate:  validate,
		Logger:    logger,
		Notifier:  notif,
		Resources: resStore,
	})
	p.Theme.Load()
	attendanceSvc := attendance.NewService(p.Attendance, conf.FrontendBaseURL, notif, logger)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("store").Set(conf.Store.Engine)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Set up API Server

	server = echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:         conf,
			Logger:       logger,
			Store:        store,
			AuthSvc:      authSvc,
			Portal:       p,
			Attendance:   attendanceSvc,
			Validate:     validate,
			Translator:   translator,
			ResourcesDir: resourcesDir,
			Collections:  entity.Collections,
		},
	)

	// =========================================================================
	// Schedule Jobs

	jobs := cron.New()
	if _, err = jobs.AddFunc(conf.Server.RatingsSchedule, func() {
		jctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := p.RecomputeRatings(jctx)
		if err != nil {
			logger.Error("recomputing course ratings", err)
			return
		}
		logger.Debug(fmt.Sprintf("%d course ratings recomputed", n))
	}); err != nil {
		logger.Fatal(fmt.Sprintf("scheduling ratings (%q): %v", conf.Server.RatingsSchedule, err), err)
	}
	jobs.Start()
	defer jobs.Stop()

	// =========================================================================
	// Start API Service

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		sctx, cancel := context.WithTimeout(ctx, conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(sctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}
