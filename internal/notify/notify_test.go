package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

func sampleEvent() Event {
	return Event{
		Event:       EventLTVCritical,
		WorkerID:    "ethereum:0xabc",
		Network:     "ethereum",
		Account:     "0xabc",
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CycleNumber: 7,
		Data:        map[string]any{"reason": "over max"},
	}
}

type recordingNotifier struct {
	channel Channel
	mu      sync.Mutex
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestWebhookDeliversPayloadAndHeaders(t *testing.T) {
	var (
		mu       sync.Mutex
		body     map[string]any
		event    string
		delivery string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		event = r.Header.Get(HeaderEvent)
		delivery = r.Header.Get(HeaderDelivery)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	client := NewWebhookClient()
	if err := client.For(server.URL).Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if event != "ltv_critical" || delivery == "" {
		t.Fatalf("unexpected headers: event=%q delivery=%q", event, delivery)
	}
	for _, key := range []string{"event", "workerId", "network", "account", "timestamp", "cycleNumber", "data"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("payload missing %q: %v", key, body)
		}
	}
	if body["cycleNumber"] != 7.0 {
		t.Fatalf("unexpected cycle number %v", body["cycleNumber"])
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	err := NewWebhookClient().For(server.URL).Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestHubSwallowsUnreachableEndpoint(t *testing.T) {
	// Reserve a port and close it so the connection is refused.
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	shared := &recordingNotifier{channel: ChannelRedis}
	hub := NewHub(NewWebhookClient(), WithTimeout(time.Second), WithSharedNotifiers(shared))

	start := time.Now()
	hub.Publish(context.Background(), endpoint, sampleEvent())
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Publish should not block, took %v", elapsed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if shared.count() != 1 {
		t.Fatalf("expected shared channel to receive the event despite webhook failure")
	}
}

func TestHubTimesOutSlowEndpoint(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	hub := NewHub(NewWebhookClient(), WithTimeout(50*time.Millisecond))
	hub.Publish(context.Background(), server.URL, sampleEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Wait(ctx); err != nil {
		t.Fatalf("delivery should give up after the timeout: %v", err)
	}
}

func TestHubSurvivesCancelledCallerContext(t *testing.T) {
	shared := &recordingNotifier{channel: ChannelTelegram}
	hub := NewHub(nil, WithSharedNotifiers(shared))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Publish(ctx, "", sampleEvent())
	if err := hub.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if shared.count() != 1 {
		t.Fatalf("expected delivery despite cancelled caller context")
	}
}

// slowNotifier holds each delivery for delay and reports whether its context
// was still live afterwards.
type slowNotifier struct {
	channel Channel
	delay   time.Duration
	mu      sync.Mutex
	expired []bool
}

func (s *slowNotifier) Channel() Channel { return s.channel }

func (s *slowNotifier) Notify(ctx context.Context, _ Event) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, ctx.Err() != nil)
	return ctx.Err()
}

func TestHubGivesEachChannelItsOwnTimeout(t *testing.T) {
	stuck := &slowNotifier{channel: ChannelRedis, delay: time.Hour}
	slow := &slowNotifier{channel: ChannelRabbitMQ, delay: 60 * time.Millisecond}
	hub := NewHub(nil, WithTimeout(100*time.Millisecond), WithSharedNotifiers(stuck, slow))

	hub.Publish(context.Background(), "", sampleEvent())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := hub.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	stuck.mu.Lock()
	slow.mu.Lock()
	defer stuck.mu.Unlock()
	defer slow.mu.Unlock()
	if len(stuck.expired) != 1 || !stuck.expired[0] {
		t.Fatalf("expected the stuck channel to time out, got %v", stuck.expired)
	}
	if len(slow.expired) != 1 || slow.expired[0] {
		t.Fatalf("slow channel lost its budget to the stuck one: %v", slow.expired)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelRedis}
	failing := &recordingNotifier{channel: ChannelRabbitMQ, err: errors.New("broker down")}

	err := NewFanout(ok, failing, nil).Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "channel rabbitmq: broker down") {
		t.Fatalf("unexpected error %v", err)
	}
	if ok.count() != 1 || failing.count() != 1 {
		t.Fatalf("expected every channel to be attempted")
	}
}

func TestFanoutKeepsLastNotifierPerChannel(t *testing.T) {
	first := &recordingNotifier{channel: ChannelWebhook}
	second := &recordingNotifier{channel: ChannelWebhook}
	fanout := NewFanout(first, second)
	if fanout.Len() != 1 {
		t.Fatalf("expected one channel, got %d", fanout.Len())
	}
	_ = fanout.Notify(context.Background(), sampleEvent())
	if first.count() != 0 || second.count() != 1 {
		t.Fatalf("expected the later notifier to win")
	}
}

func TestValidateWebhookURL(t *testing.T) {
	for _, valid := range []string{"https://hooks.example.com/x", "http://localhost:9000"} {
		if err := ValidateWebhookURL(valid); err != nil {
			t.Fatalf("expected %q to be valid: %v", valid, err)
		}
	}
	for _, invalid := range []string{"ftp://example.com", "hooks.example.com", "https://"} {
		if err := ValidateWebhookURL(invalid); err == nil {
			t.Fatalf("expected %q to be rejected", invalid)
		}
	}
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	fake := &fakeRedis{}
	n := newRedisNotifier(fake, "")
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	if fake.channel != "autopilot:events" {
		t.Fatalf("unexpected channel %q", fake.channel)
	}
	if !strings.Contains(string(fake.payload), `"event":"ltv_critical"`) {
		t.Fatalf("unexpected payload %s", fake.payload)
	}

	fake.err = errors.New("READONLY")
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Fatalf("expected publish error")
	}
}

type fakeAMQP struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakeAMQP) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestRabbitMQNotifierRoutesByEvent(t *testing.T) {
	fake := &fakeAMQP{}
	n := newRabbitMQNotifier(fake, "autopilot.events", "")
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	if fake.exchange != "autopilot.events" || fake.key != "ltv_critical" {
		t.Fatalf("unexpected routing %s/%s", fake.exchange, fake.key)
	}
	if fake.msg.ContentType != "application/json" || fake.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected message properties %+v", fake.msg)
	}
}

type fakeBot struct {
	sent []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifierFormatsSummary(t *testing.T) {
	bot := &fakeBot{}
	n := &TelegramNotifier{bot: bot, chatID: 42}
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("unexpected chattable %T", bot.sent[0])
	}
	if msg.ChatID != 42 || !strings.HasPrefix(msg.Text, "[ltv_critical] ethereum:0xabc") {
		t.Fatalf("unexpected message %+v", msg)
	}
	if _, err := NewTelegramNotifier("", 1); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
