package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/smtp"
	"time"

	"gymbook/internal/config"
	"gymbook/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	maxEmailTries  = 3
	emailPopWait   = 2 * time.Second
	emailRetryWait = 5 * time.Second
)

type EmailJob struct {
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Tries   int       `json:"tries"`
	Created time.Time `json:"created"`
}

// SendFunc delivers one message. The default goes through net/smtp.
type SendFunc func(job EmailJob) error

// EmailNotifier queues messages on a redis list; Start drains the list and sends over SMTP.
type EmailNotifier struct {
	redis     *redis.Client
	cfg       config.EmailConfig
	send      SendFunc
	retryWait time.Duration
	logger    zerolog.Logger
}

func NewEmailNotifier(rdb *redis.Client, cfg config.EmailConfig, logger *zerolog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		redis:     rdb,
		cfg:       cfg,
		retryWait: emailRetryWait,
		logger:    logger.With().Str("component", "email").Logger(),
	}
	n.send = n.sendSMTP
	return n
}

// Notify enqueues the message. Delivery happens later in Start.
func (n *EmailNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	if _, err := mail.ParseAddress(recipient); err != nil {
		return fmt.Errorf("recipient %q is not an email address: %w", recipient, err)
	}

	job := EmailJob{
		To:      recipient,
		Subject: subject,
		Body:    body,
		Created: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal email job: %w", err)
	}

	if err := n.redis.LPush(ctx, n.cfg.QueueKey, data).Err(); err != nil {
		return fmt.Errorf("queue email to %s: %w", recipient, err)
	}
	n.logger.Debug().Str("to", recipient).Str("subject", subject).Msg("email queued")
	return nil
}

func (n *EmailNotifier) Start(ctx context.Context) {
	n.logger.Info().Str("queue", n.cfg.QueueKey).Msg("email worker started")
	for {
		select {
		case <-ctx.Done():
			n.logger.Info().Msg("email worker stopped")
			return
		default:
			n.processNext(ctx)
		}
	}
}

// processNext handles at most one job and reports whether one was popped.
func (n *EmailNotifier) processNext(ctx context.Context) bool {
	result, err := n.redis.BRPop(ctx, emailPopWait, n.cfg.QueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			n.logger.Error().Err(err).Msg("email queue pop failed")
			time.Sleep(emailPopWait)
		}
		return false
	}

	var job EmailJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		n.logger.Error().Err(err).Msg("bad email job")
		return true
	}

	job.Tries++
	err = n.send(job)
	metrics.IncNotification("email", err)
	if err == nil {
		n.logger.Info().Str("to", job.To).Int("attempt", job.Tries).Msg("email sent")
		return true
	}

	n.logger.Warn().Err(err).Str("to", job.To).Int("attempt", job.Tries).Msg("email send failed")
	if job.Tries < maxEmailTries {
		select {
		case <-ctx.Done():
		case <-time.After(n.retryWait):
		}
		n.requeue(job)
		return true
	}
	n.saveFailed(job, err)
	return true
}

func (n *EmailNotifier) requeue(job EmailJob) {
	data, _ := json.Marshal(job)
	if err := n.redis.LPush(context.Background(), n.cfg.QueueKey, data).Err(); err != nil {
		n.logger.Error().Err(err).Str("to", job.To).Msg("email requeue failed")
	}
}

func (n *EmailNotifier) saveFailed(job EmailJob, sendErr error) {
	failed := map[string]interface{}{
		"job":   job,
		"error": sendErr.Error(),
		"time":  time.Now(),
	}
	data, _ := json.Marshal(failed)
	if err := n.redis.LPush(context.Background(), n.cfg.FailedKey, data).Err(); err != nil {
		n.logger.Error().Err(err).Str("to", job.To).Msg("email dead-letter failed")
		return
	}
	n.logger.Error().Str("to", job.To).Int("attempts", job.Tries).Msg("email moved to failed queue")
}

func (n *EmailNotifier) sendSMTP(job EmailJob) error {
	message := fmt.Sprintf("From: %s <%s>\r\n", n.cfg.FromName, n.cfg.From)
	message += fmt.Sprintf("To: %s\r\n", job.To)
	message += fmt.Sprintf("Subject: %s\r\n", job.Subject)
	message += "\r\n" + job.Body

	var auth smtp.Auth
	if n.cfg.SMTPUser != "" && n.cfg.SMTPPass != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUser, n.cfg.SMTPPass, n.cfg.SMTPHost)
	}

	addr := n.cfg.SMTPHost + ":" + n.cfg.SMTPPort
	return smtp.SendMail(addr, auth, n.cfg.From, []string{job.To}, []byte(message))
}

func (n *EmailNotifier) QueueLength(ctx context.Context) int64 {
	length, _ := n.redis.LLen(ctx, n.cfg.QueueKey).Result()
	return length
}

func (n *EmailNotifier) FailedLength(ctx context.Context) int64 {
	length, _ := n.redis.LLen(ctx, n.cfg.FailedKey).Result()
	return length
}
