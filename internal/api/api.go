package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/forms"
	"github.com/BTreeMap/VoiceForm/internal/messaging"
	"github.com/BTreeMap/VoiceForm/internal/recovery"
	"github.com/BTreeMap/VoiceForm/internal/scheduler"
	"github.com/BTreeMap/VoiceForm/internal/session"
	"github.com/BTreeMap/VoiceForm/internal/store"
	"github.com/BTreeMap/VoiceForm/internal/submission"
	"github.com/BTreeMap/VoiceForm/internal/twiliovoice"
	"github.com/BTreeMap/VoiceForm/internal/whatsapp"
)

// Notification channels accepted by WithNotify.
const (
	NotifyWhatsApp = "whatsapp"
	NotifyTwilio   = "twilio"
	NotifyLog      = "log"
)

// Run builds every module from its options, serves the API and blocks until
// SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, apiOpts []Option) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	backend, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	registry, err := loadForms(cfg.FormsPath)
	if err != nil {
		return err
	}

	msgService, err := buildMessagingService(ctx, cfg, waOpts)
	if err != nil {
		return err
	}
	var subOpts []submission.Option
	if msgService != nil {
		if err := msgService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		defer msgService.Stop()
		recipient, err := msgService.ValidateAndCanonicalizeRecipient(cfg.NotifyTo)
		if err != nil {
			return fmt.Errorf("invalid notification recipient: %w", err)
		}
		subOpts = append(subOpts, submission.WithNotifyRecipient(recipient))
	}
	submissions := submission.NewService(backend, registry, subOpts...)

	timer := dialogue.NewSimpleTimer()
	defer timer.Stop()

	sessOpts := []session.Option{
		session.WithStateManager(session.NewStoreBasedStateManager(backend)),
		session.WithMaxRetries(cfg.MaxRetries),
		session.WithRestartAfterSubmit(cfg.RestartAfterSubmit),
	}
	if cfg.RepromptAfter > 0 {
		sessOpts = append(sessOpts, session.WithRepromptAfter(cfg.RepromptAfter))
	}
	sessions := session.NewManager(submissions, sessOpts...)

	// The session manager picks the shared timer up from the registry.
	rm := recovery.NewRecoveryManager(timer)
	rm.RegisterRecoverable(sessions)

	var sender *store.OutboxSender
	if msgService != nil {
		sender = store.NewOutboxSender(backend, messaging.OutboxSendFunc(msgService), cfg.OutboxPoll)
		rm.RegisterRecoverable(recovery.OutboxRecovery(sender))
	}
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Run: recovery incomplete", "error", err)
	}
	if sender != nil {
		go sender.Run(ctx)
	}

	server := NewServer(submissions, sessions, apiOpts...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if cfg.SessionIdle > 0 {
		if err := sched.Every(time.Minute, func() {
			sessions.SweepIdle(ctx, cfg.SessionIdle)
		}); err != nil {
			return fmt.Errorf("failed to schedule session sweeper: %w", err)
		}
	}
	if server.limiter != nil {
		if err := sched.Every(cfg.RateWindow, func() {
			if n := server.limiter.Prune(); n > 0 {
				slog.Debug("Run: pruned rate limit buckets", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule rate limiter pruning: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("VoiceForm API listening", "addr", cfg.Addr, "forms", registry.Names(), "notify", cfg.NotifyChannel)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

func loadForms(path string) (*forms.Registry, error) {
	if path == "" {
		return forms.NewRegistry(), nil
	}
	f, err := forms.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load forms: %w", err)
	}
	return forms.NewRegistryFromFile(f), nil
}

// buildMessagingService returns nil when no notification channel is configured.
func buildMessagingService(ctx context.Context, cfg Opts, waOpts []whatsapp.Option) (messaging.Service, error) {
	if cfg.NotifyChannel == "" || cfg.NotifyTo == "" {
		if cfg.NotifyChannel != "" {
			slog.Warn("Run: notification channel set without a recipient, notifications disabled", "channel", cfg.NotifyChannel)
		}
		return nil, nil
	}
	switch cfg.NotifyChannel {
	case NotifyWhatsApp:
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	case NotifyTwilio:
		sender, err := twiliovoice.NewSender(
			twiliovoice.WithAccountSID(cfg.TwilioAccountSID),
			twiliovoice.WithAuthToken(cfg.TwilioAuthToken),
			twiliovoice.WithFrom(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio sender: %w", err)
		}
		return messaging.NewTwilioService(sender), nil
	case NotifyLog:
		return messaging.NewLogService(slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown notification channel %q", cfg.NotifyChannel)
	}
}
