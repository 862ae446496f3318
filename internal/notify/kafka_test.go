package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func (f *fakeWriter) written() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

type staticMembers map[int64][]int64

func (s staticMembers) ListMembers(_ context.Context, conversationID int64) ([]int64, error) {
	ids, ok := s[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ids, nil
}

type onlineSet map[int64]bool

func (o onlineSet) IsOnline(userID int64) bool { return o[userID] }

func TestProcessSkipsSenderAndOnlineMembers(t *testing.T) {
	w := &fakeWriter{}
	worker := NewWorker(staticMembers{10: {1, 2, 3, 4}}, onlineSet{3: true}, w, 4, nil)

	msg := store.Message{ID: 99, ConversationID: 10, SenderID: 1, Content: "hello", Type: store.MessageText}
	if err := worker.process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := w.written()
	if len(got) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(got))
	}
	for i, want := range []string{"2", "4"} {
		if string(got[i].Key) != want {
			t.Fatalf("intent %d keyed %q, want %q", i, got[i].Key, want)
		}
		var intent Intent
		if err := json.Unmarshal(got[i].Value, &intent); err != nil {
			t.Fatalf("decode intent: %v", err)
		}
		if intent.MessageID != 99 || intent.SenderID != 1 || intent.ConversationID != 10 || intent.Preview != "hello" {
			t.Fatalf("unexpected intent: %+v", intent)
		}
	}
}

func TestProcessNothingToNotify(t *testing.T) {
	w := &fakeWriter{err: errors.New("must not be called")}
	worker := NewWorker(staticMembers{10: {1, 2}}, onlineSet{2: true}, w, 4, nil)

	if err := worker.process(context.Background(), store.Message{ID: 1, ConversationID: 10, SenderID: 1}); err != nil {
		t.Fatalf("expected no write, got %v", err)
	}
}

func TestProcessErrors(t *testing.T) {
	worker := NewWorker(staticMembers{}, onlineSet{}, &fakeWriter{}, 4, nil)
	if err := worker.process(context.Background(), store.Message{ConversationID: 5}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected member lookup error, got %v", err)
	}

	broken := NewWorker(staticMembers{5: {1, 2}}, onlineSet{}, &fakeWriter{err: kafka.LeaderNotAvailable}, 4, nil)
	if err := broken.process(context.Background(), store.Message{ConversationID: 5, SenderID: 1}); !errors.Is(err, kafka.LeaderNotAvailable) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestMessageCreatedDropsWhenFull(t *testing.T) {
	worker := NewWorker(staticMembers{}, onlineSet{}, &fakeWriter{}, 1, nil)

	done := make(chan struct{})
	go func() {
		worker.MessageCreated(store.Message{ID: 1})
		worker.MessageCreated(store.Message{ID: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MessageCreated blocked on a full queue")
	}
	if len(worker.queue) != 1 {
		t.Fatalf("expected one queued message, got %d", len(worker.queue))
	}
}

func TestRunDrainsQueue(t *testing.T) {
	w := &fakeWriter{}
	worker := NewWorker(staticMembers{7: {1, 2}}, onlineSet{}, w, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	for i := int64(1); i <= 3; i++ {
		worker.MessageCreated(store.Message{ID: i, ConversationID: 7, SenderID: 1, Content: "x"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(w.written()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 intents, got %d", len(w.written()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("ж", previewRunes+10)
	tests := []struct {
		name string
		msg  store.Message
		want string
	}{
		{"short text", store.Message{Type: store.MessageText, Content: "hi"}, "hi"},
		{"image without caption", store.Message{Type: store.MessageImage}, "[image]"},
		{"file with caption", store.Message{Type: store.MessageFile, Content: "report"}, "report"},
		{"long text", store.Message{Type: store.MessageText, Content: long}, strings.Repeat("ж", previewRunes) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.msg); got != tt.want {
				t.Fatalf("Preview() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "")
	defer w.Close()
	if w.Topic != DefaultTopic {
		t.Fatalf("expected default topic, got %q", w.Topic)
	}
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Fatalf("expected hash balancer, got %T", w.Balancer)
	}
}
