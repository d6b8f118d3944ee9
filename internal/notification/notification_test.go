package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"gymbook/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testEmailConfig = config.EmailConfig{
	Enabled:   true,
	From:      "desk@gymbook.test",
	FromName:  "Front Desk",
	SMTPHost:  "smtp.test",
	SMTPPort:  "587",
	QueueKey:  "emails",
	FailedKey: "emails:failed",
}

func newTestNotifier(rdb *redis.Client) *EmailNotifier {
	logger := zerolog.New(io.Discard)
	n := NewEmailNotifier(rdb, testEmailConfig, &logger)
	n.retryWait = time.Millisecond
	return n
}

func TestEmailNotify_Queues(t *testing.T) {
	db, rmock := redismock.NewClientMock()
	ctx := context.Background()

	rmock.Regexp().ExpectLPush("emails", `.*`).SetVal(1)

	n := newTestNotifier(db)
	err := n.Notify(ctx, "anna@gym.test", "Booking confirmed: BJJ", "See you on the mats.")
	assert.NoError(t, err)
	assert.NoError(t, rmock.ExpectationsWereMet())
}

func TestEmailNotify_RejectsNonAddress(t *testing.T) {
	db, rmock := redismock.NewClientMock()

	n := newTestNotifier(db)
	err := n.Notify(context.Background(), "anna", "subject", "body")
	assert.Error(t, err)
	assert.NoError(t, rmock.ExpectationsWereMet())
}

func TestEmailNotify_QueueError(t *testing.T) {
	db, rmock := redismock.NewClientMock()

	rmock.Regexp().ExpectLPush("emails", `.*`).SetErr(errors.New("READONLY"))

	n := newTestNotifier(db)
	err := n.Notify(context.Background(), "anna@gym.test", "subject", "body")
	assert.Error(t, err)
}

func TestQueueLength(t *testing.T) {
	db, rmock := redismock.NewClientMock()
	rmock.ExpectLLen("emails").SetVal(5)

	n := newTestNotifier(db)
	assert.Equal(t, int64(5), n.QueueLength(context.Background()))
	assert.NoError(t, rmock.ExpectationsWereMet())
}

func newMiniredisNotifier(t *testing.T) (*EmailNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return newTestNotifier(rdb), mr
}

func TestProcessNext_Delivers(t *testing.T) {
	n, _ := newMiniredisNotifier(t)
	ctx := context.Background()

	var sent []EmailJob
	n.send = func(job EmailJob) error {
		sent = append(sent, job)
		return nil
	}

	require.NoError(t, n.Notify(ctx, "anna@gym.test", "Waitlisted: BJJ", "BJJ is full."))
	assert.Equal(t, int64(1), n.QueueLength(ctx))

	assert.True(t, n.processNext(ctx))
	require.Len(t, sent, 1)
	assert.Equal(t, "anna@gym.test", sent[0].To)
	assert.Equal(t, 1, sent[0].Tries)
	assert.Zero(t, n.QueueLength(ctx))
}

func TestProcessNext_RetriesThenDeadLetters(t *testing.T) {
	n, mr := newMiniredisNotifier(t)
	ctx := context.Background()

	attempts := 0
	n.send = func(EmailJob) error {
		attempts++
		return errors.New("connection refused")
	}

	require.NoError(t, n.Notify(ctx, "anna@gym.test", "subject", "body"))
	for i := 0; i < maxEmailTries; i++ {
		assert.True(t, n.processNext(ctx))
	}

	assert.Equal(t, maxEmailTries, attempts)
	assert.Zero(t, n.QueueLength(ctx))
	assert.Equal(t, int64(1), n.FailedLength(ctx))

	items, err := mr.List("emails:failed")
	require.NoError(t, err)
	var failed struct {
		Job   EmailJob `json:"job"`
		Error string   `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(items[0]), &failed))
	assert.Equal(t, maxEmailTries, failed.Job.Tries)
	assert.Equal(t, "connection refused", failed.Error)
}

func TestEmailStart_StopsOnCancel(t *testing.T) {
	n, _ := newMiniredisNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		n.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("email worker did not stop")
	}
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func TestTelegramNotifier(t *testing.T) {
	logger := zerolog.New(io.Discard)
	sender := new(mockSender)
	n := NewTelegramNotifier(sender, 123, &logger)

	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == 123 && msg.Text == "Booking confirmed: BJJ\nMember: anna@gym.test\n\nSee you."
	})).Return(tgbotapi.Message{}, nil).Once()

	require.NoError(t, n.Notify(context.Background(), "anna@gym.test", "Booking confirmed: BJJ", "See you."))

	sender.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("bot was blocked")).Once()
	assert.Error(t, n.Notify(context.Background(), "anna@gym.test", "s", "b"))

	sender.AssertExpectations(t)
}

type hangingSender struct {
	release chan struct{}
}

func (h hangingSender) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	<-h.release
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifier_ContextDeadline(t *testing.T) {
	logger := zerolog.New(io.Discard)
	sender := hangingSender{release: make(chan struct{})}
	defer close(sender.release)
	n := NewTelegramNotifier(sender, 123, &logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := n.Notify(ctx, "anna@gym.test", "s", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Notify(context.Context, string, string, string) error {
	r.calls++
	return r.err
}

func TestMulti(t *testing.T) {
	ok := &recordingNotifier{}
	broken := &recordingNotifier{err: errors.New("down")}

	err := Multi{broken, ok}.Notify(context.Background(), "anna@gym.test", "s", "b")
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, broken.calls)

	assert.NoError(t, Multi{ok}.Notify(context.Background(), "a", "s", "b"))
	assert.NoError(t, Nop{}.Notify(context.Background(), "a", "s", "b"))
}
