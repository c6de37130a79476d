package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/openclaw/runbox/internal/event"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe("run-1", func(ev event.Event) {
		got = append(got, ev.Payload.(event.StdoutChunk).Content)
	})

	for i := 0; i < 10; i++ {
		b.Publish("run-1", event.New("run-1", "corr", event.StdoutChunk{Content: fmt.Sprintf("%d", i)}))
	}

	if len(got) != 10 {
		t.Fatalf("delivered %d events, want 10", len(got))
	}
	for i, content := range got {
		if content != fmt.Sprintf("%d", i) {
			t.Fatalf("out of order at %d: %v", i, got)
		}
	}
}

func TestPublish_RunIsolation(t *testing.T) {
	b := New()

	var a, c int
	b.Subscribe("run-a", func(event.Event) { a++ })
	b.Subscribe("run-c", func(event.Event) { c++ })

	b.Publish("run-a", event.New("run-a", "", event.SysReady{RunID: "run-a"}))
	b.Publish("run-a", event.New("run-a", "", event.SysReady{RunID: "run-a"}))

	if a != 2 {
		t.Errorf("run-a subscriber saw %d events, want 2", a)
	}
	if c != 0 {
		t.Errorf("run-c subscriber saw %d events, want 0", c)
	}
}

func TestSubscribeAll_SeesEveryRun(t *testing.T) {
	b := New()

	var all int
	b.SubscribeAll(func(event.Event) { all++ })

	b.Publish("run-a", event.New("run-a", "", event.SysReady{RunID: "run-a"}))
	b.Publish("run-b", event.New("run-b", "", event.SysReady{RunID: "run-b"}))

	if all != 2 {
		t.Errorf("all-runs subscriber saw %d events, want 2", all)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	var n int
	b.Subscribe("run-1", func(event.Event) { n++ })
	b.Publish("run-1", event.New("run-1", "", event.SysReady{RunID: "run-1"}))
	b.Unsubscribe("run-1")
	b.Publish("run-1", event.New("run-1", "", event.SysReady{RunID: "run-1"}))

	if n != 1 {
		t.Errorf("subscriber saw %d events after unsubscribe, want 1", n)
	}
}

func TestPublish_ConcurrentProducersSerialized(t *testing.T) {
	b := New()

	// Subscriber state is unguarded on purpose: the per-run delivery lock
	// must make this safe.
	var got []string
	b.Subscribe("run-1", func(ev event.Event) {
		got = append(got, ev.Payload.(event.StdoutChunk).Content)
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Publish("run-1", event.New("run-1", "corr", event.StdoutChunk{Content: "x"}))
			}
		}(g)
	}
	wg.Wait()

	if len(got) != 200 {
		t.Errorf("delivered %d events, want 200", len(got))
	}
}
