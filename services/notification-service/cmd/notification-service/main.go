package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/physiobook/physiobook/libs/config"
	"github.com/physiobook/physiobook/libs/db"
	"github.com/physiobook/physiobook/libs/httpx"
	"github.com/physiobook/physiobook/libs/kafkax"
	otelx "github.com/physiobook/physiobook/libs/otel"
	"github.com/physiobook/physiobook/libs/runtime"
	"github.com/physiobook/physiobook/services/notification-service/internal/consumer"
	"github.com/physiobook/physiobook/services/notification-service/internal/email"
	"github.com/physiobook/physiobook/services/notification-service/internal/inbox"
	"github.com/physiobook/physiobook/services/notification-service/internal/message"
	"github.com/physiobook/physiobook/services/notification-service/internal/outbox"
	"github.com/physiobook/physiobook/services/notification-service/internal/sms"
	"github.com/physiobook/physiobook/services/notification-service/internal/storage"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTopics = "scheduling.booking.created.v1,scheduling.booking.confirmed.v1,scheduling.booking.cancelled.v1,scheduling.booking.completed.v1"

func writeOutboxSent(ctx context.Context, pool *db.Pool, outboxRepo *outbox.Repository, evt message.BookingEvent, eventType string, channel string, providerID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if strings.TrimSpace(providerID) == "" {
		providerID = "unknown"
	}
	eventPayload, err := json.Marshal(map[string]any{
		"booking_id":  evt.BookingID,
		"reference":   evt.Reference,
		"event_type":  eventType,
		"channel":     channel,
		"provider_id": providerID,
		"sent_at":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   evt.BookingID,
		EventType:     "notification.sent.v1",
		Payload:       eventPayload,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func writeOutboxFailed(ctx context.Context, pool *db.Pool, outboxRepo *outbox.Repository, evt message.BookingEvent, eventType string, channel string, reason string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	eventPayload, err := json.Marshal(map[string]any{
		"booking_id":   evt.BookingID,
		"reference":    evt.Reference,
		"event_type":   eventType,
		"channel":      channel,
		"error_reason": reason,
		"failed_at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   evt.BookingID,
		EventType:     "notification.failed.v1",
		Payload:       eventPayload,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)
	notificationsRepo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	smtpHost := config.String("SMTP_HOST", "mailpit")
	smtpPort := config.String("SMTP_PORT", "1025")
	smtpFrom := config.String("SMTP_FROM", "no-reply@physiobook.local")
	emailSender := email.NewSMTPSender(smtpHost, smtpPort, smtpFrom)
	emailProviderID := "smtp"

	smsProvider := strings.ToLower(config.String("SMS_PROVIDER", "noop"))
	smsWebhookURL := config.String("SMS_WEBHOOK_URL", "")
	smsWebhookToken := config.String("SMS_WEBHOOK_TOKEN", "")
	var smsSender sms.Sender
	switch smsProvider {
	case "webhook":
		smsSender = sms.NewWebhookSender(smsWebhookURL, smsWebhookToken)
	case "noop":
		smsSender = sms.NewNoopSender()
	default:
		smsSender = sms.NewWebhookSender(smsWebhookURL, smsWebhookToken)
	}

	failSuffix := config.String("NOTIFICATION_FAIL_SUFFIX", "")

	// Delivers one channel: send, persist the attempt, enqueue the
	// delivery-status event. A persist failure bubbles up so the
	// consumer logs it; the inbox row still prevents a duplicate send
	// on redelivery.
	deliver := func(ctx context.Context, evt message.BookingEvent, eventType string, channel string, recipient string, providerID string, send func() error) error {
		status := "sent"
		failureReason := ""
		if failSuffix != "" && strings.HasSuffix(recipient, failSuffix) {
			status = "failed"
			failureReason = "simulated failure"
		}
		if status == "sent" {
			if err := send(); err != nil {
				status = "failed"
				failureReason = err.Error()
				logger.Error("send failed", "channel", channel, "err", err, "recipient", recipient, "booking_id", evt.BookingID)
			}
		}

		if err := notificationsRepo.Insert(ctx, storage.Notification{
			BookingID: evt.BookingID,
			Reference: evt.Reference,
			EventType: eventType,
			Channel:   channel,
			Recipient: recipient,
			Payload: map[string]any{
				"stage":      evt.Stage(),
				"start_time": evt.StartTime,
			},
			Status: status,
		}); err != nil {
			logger.Error("failed to persist notification", "err", err, "booking_id", evt.BookingID)
			return err
		}

		if status == "failed" {
			if err := writeOutboxFailed(ctx, pool, outboxRepo, evt, eventType, channel, failureReason); err != nil {
				logger.Error("failed to enqueue notification.failed", "err", err)
				return err
			}
			return nil
		}
		if err := writeOutboxSent(ctx, pool, outboxRepo, evt, eventType, channel, providerID); err != nil {
			logger.Error("failed to enqueue notification.sent", "err", err)
			return err
		}
		return nil
	}

	handleBookingEvent := func(ctx context.Context, msg kafka.Message) error {
		var evt message.BookingEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid booking event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.BookingID == "" || evt.Reference == "" {
			logger.Error("missing booking event fields", "topic", msg.Topic)
			return nil
		}
		rendered, err := message.Compose(msg.Topic, evt)
		if err != nil {
			logger.Error("no template for event", "err", err, "topic", msg.Topic)
			return nil
		}

		emailTo := strings.TrimSpace(evt.PatientEmail)
		phoneTo := strings.TrimSpace(evt.PatientPhone)
		if emailTo == "" && phoneTo == "" {
			logger.Warn("booking event has no recipient", "booking_id", evt.BookingID, "topic", msg.Topic)
			return nil
		}

		if emailTo != "" {
			if err := deliver(ctx, evt, msg.Topic, "email", emailTo, emailProviderID, func() error {
				return emailSender.Send(emailTo, rendered.Subject, rendered.Body)
			}); err != nil {
				return err
			}
		}
		if phoneTo != "" {
			if err := deliver(ctx, evt, msg.Topic, "sms", phoneTo, smsSender.ProviderID(), func() error {
				return smsSender.Send(ctx, phoneTo, rendered.SMS)
			}); err != nil {
				return err
			}
		}

		logger.Info("booking event processed", "booking_id", evt.BookingID, "topic", msg.Topic, "stage", evt.Stage())
		return nil
	}

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "notification-service")
	topics := strings.Split(config.String("KAFKA_CONSUME_TOPICS", defaultTopics), ",")
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handleBookingEvent)
		go eventConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
