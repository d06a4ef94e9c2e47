package broadcast

import (
	"sync"
	"testing"
	"time"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New[int]()
	for i := 0; i < 1000; i++ {
		b.Publish(i)
	}
	if b.Published() != 1000 {
		t.Errorf("expected 1000 published, got %d", b.Published())
	}
}

func TestFanOut(t *testing.T) {
	b := New[string]()
	first, cancelFirst := b.Subscribe(4)
	second, cancelSecond := b.Subscribe(4)
	defer cancelFirst()
	defer cancelSecond()

	b.Publish("level")

	for i, ch := range []<-chan string{first, second} {
		select {
		case v := <-ch:
			if v != "level" {
				t.Errorf("subscriber %d got %q", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New[int]()
	ch, cancel := b.Subscribe(3)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 10; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	var got []int
	for len(got) < 3 {
		got = append(got, <-ch)
	}
	want := []int{8, 9, 10}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected newest values %v, got %v", want, got)
		}
	}
	if b.Dropped() != 7 {
		t.Errorf("expected 7 dropped, got %d", b.Dropped())
	}
}

func TestCancelAndClose(t *testing.T) {
	b := New[int]()
	ch, cancel := b.Subscribe(1)
	if b.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers())
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	if b.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.Subscribers())
	}

	other, cancelOther := b.Subscribe(1)
	b.Close()
	if _, ok := <-other; ok {
		t.Error("channel should be closed after Close")
	}
	cancelOther()

	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscribe after Close should return a closed channel")
	}
	b.Publish(1)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				b.Publish(j)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := b.Subscribe(8)
			for k := 0; k < 10; k++ {
				select {
				case <-ch:
				default:
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}
