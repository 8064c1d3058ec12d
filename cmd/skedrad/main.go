// Command skedrad runs the scheduling engine with its iSchedule
// receiver, the iMIP mail gateway endpoint and the token purge job.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/skedra/skedra/config"
	"github.com/skedra/skedra/cuaddress"
	"github.com/skedra/skedra/delivery/caldavdel"
	"github.com/skedra/skedra/delivery/imip"
	"github.com/skedra/skedra/delivery/ischedule"
	"github.com/skedra/skedra/directory"
	"github.com/skedra/skedra/icalendar"
	"github.com/skedra/skedra/locks"
	"github.com/skedra/skedra/processing"
	"github.com/skedra/skedra/scheduler"
	"github.com/skedra/skedra/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("could not load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	dir := buildDirectory(cfg.Directory)
	st := store.NewMemory()

	locator := ischedule.NewLocator(cfg.ISchedule, logger)
	resolver := &cuaddress.Resolver{
		Dir:          dir,
		Remote:       locator,
		EmailEnabled: cfg.IMIP.Enabled,
	}

	var signer *ischedule.Signer
	if cfg.ISchedule.SigningKeyFile != "" {
		var err error
		signer, err = ischedule.NewSigner(cfg.ISchedule.SigningKeyFile,
			cfg.ServerHostName, cfg.ISchedule.KeySelector)
		if err != nil {
			logger.Error("could not load signing key", "error", err)
			os.Exit(1)
		}
	}
	remote := ischedule.NewService(locator, dir, signer, logger)

	tokenDB := cfg.IMIP.TokenDatabase
	if tokenDB == "" {
		tokenDB = ":memory:"
	}
	tokens, err := imip.OpenTokenStore(tokenDB)
	if err != nil {
		logger.Error("could not open token store", "error", err)
		os.Exit(1)
	}
	defer tokens.Close()

	var mailer imip.Mailer
	if cfg.IMIP.SMTPAddr != "" {
		mailer = imip.SMTPMailer{Addr: cfg.IMIP.SMTPAddr}
	} else {
		mailer = imip.LogMailer{Log: logger}
	}
	email := imip.NewService(tokens, dir, cfg.IMIP, mailer, logger)
	defer email.Close()

	// The sender closes the loop between the implicit processor and the
	// scheduler, so it is bound after the scheduler exists.
	sender := &scheduler.DirectSender{}
	proc := processing.NewProcessor(st, dir, sender, cfg.Scheduling, logger)
	local := caldavdel.New(st, proc, logger)

	sched := scheduler.New(resolver, locks.NewManager(), local, remote, email,
		cfg.Scheduling, logger)
	sender.Scheduler = sched

	receiver := ischedule.NewReceiver(sched,
		&ischedule.Verifier{Keys: ischedule.NewDNSKeyLookup()}, logger)
	inbox := imip.NewInbox(tokens, dir, sched, mailer, logger)

	cr := cron.New()
	if cfg.IMIP.Enabled {
		if _, err := tokens.SchedulePurge(cr, cfg.IMIP, logger); err != nil {
			logger.Error("could not schedule token purge", "error", err)
			os.Exit(1)
		}
	}
	cr.Start()
	defer cr.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount(ischedule.WellKnownPath, receiver.Routes())
	if cfg.IMIP.Enabled {
		r.Post("/imip/inbound", inboundHandler(inbox, logger))
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// inboundHandler accepts one raw email per request from the mail
// retriever in front of the gateway.
func inboundHandler(inbox *imip.Inbox, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
		if err != nil {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		outcome, err := inbox.Inbound(r.Context(), raw)
		if err != nil {
			logger.Error("inbound mail processing failed", "error", err)
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(string(outcome)))
	}
}

func buildDirectory(cfg config.Directory) *directory.Memory {
	dir := directory.NewMemory()
	for _, p := range cfg.Pods {
		dir.AddPod(&directory.Pod{ID: p.ID, URI: p.URI})
	}
	for _, rec := range cfg.Records {
		senders := make(map[string]directory.AutoScheduleMode, len(rec.AutoSenders))
		for cua, mode := range rec.AutoSenders {
			senders[icalendar.NormalizeCUA(cua)] = directory.AutoScheduleMode(mode)
		}
		dir.AddRecord(&directory.Record{
			UID:                   rec.UID,
			FullName:              rec.FullName,
			CalendarUserAddresses: rec.Addresses,
			EmailAddresses:        rec.Emails,
			CUType:                directory.CUType(strings.ToUpper(rec.Type)),
			Enabled:               rec.Enabled,
			PodID:                 rec.Pod,
			AutoSchedule:          directory.AutoScheduleMode(rec.AutoSchedule),
			AutoScheduleSenders:   senders,
		})
	}
	return dir
}
