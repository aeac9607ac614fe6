package progress

import (
	"sync"
	"testing"
	"time"
)

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	hub := NewHub()
	if n := hub.Publish("s1", Event{Type: TypeProgress, Message: "lost"}); n != 0 {
		t.Fatalf("delivered to %d subscribers", n)
	}
	ch, unsubscribe := hub.Subscribe("s1", 4)
	defer unsubscribe()
	select {
	case ev := <-ch:
		t.Fatalf("late subscriber received replayed event %+v", ev)
	default:
	}
}

func TestPublishFansOutPerSession(t *testing.T) {
	hub := NewHub()
	a, unsubA := hub.Subscribe("s1", 4)
	defer unsubA()
	b, unsubB := hub.Subscribe("s1", 4)
	defer unsubB()
	other, unsubOther := hub.Subscribe("s2", 4)
	defer unsubOther()

	if n := hub.Publish("s1", Event{Type: TypeProgress, Progress: 10}); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		if ev.Progress != 10 || ev.Timestamp.IsZero() {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("other session received %+v", ev)
	default:
	}
}

func TestLastUnsubscribeRemovesSession(t *testing.T) {
	hub := NewHub()
	ch1, unsub1 := hub.Subscribe("s1", 1)
	_, unsub2 := hub.Subscribe("s1", 1)
	unsub1()
	unsub1()
	if _, open := <-ch1; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if hub.Subscribers("s1") != 1 || hub.Sessions() != 1 {
		t.Fatalf("subscribers=%d sessions=%d", hub.Subscribers("s1"), hub.Sessions())
	}
	unsub2()
	if hub.Sessions() != 0 {
		t.Fatalf("session entry not removed, sessions=%d", hub.Sessions())
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub()
	_, unsubscribe := hub.Subscribe("s1", 1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish("s1", Event{Type: TypeProgress, Progress: float64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if hub.Dropped() != 99 {
		t.Fatalf("dropped = %d, want 99", hub.Dropped())
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, unsubscribe := hub.Subscribe("shared", 2)
				unsubscribe()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish("shared", Event{Type: TypeProgress})
			}
		}()
	}
	wg.Wait()
	if hub.Sessions() != 0 {
		t.Fatalf("sessions = %d after all unsubscribed", hub.Sessions())
	}
}

func TestThrottleLetsPhaseChangesThrough(t *testing.T) {
	var got []Event
	throttle := NewThrottle(0.001, func(ev Event) { got = append(got, ev) })

	throttle.Send(Event{Type: TypeProgress, Phase: PhaseRecovery, Progress: 1})
	for i := 2; i < 50; i++ {
		throttle.Send(Event{Type: TypeProgress, Phase: PhaseRecovery, Progress: float64(i)})
	}
	throttle.Send(Event{Type: TypeProgress, Phase: PhaseRecovery, Progress: 100})
	throttle.Send(Event{Type: TypeProgress, Phase: PhaseMaterialize, Progress: 0})
	throttle.Send(Event{Type: TypeComplete, Phase: PhaseDone, Progress: 100})

	if len(got) != 4 {
		t.Fatalf("forwarded %d events, want 4: %+v", len(got), got)
	}
	if got[1].Progress != 100 || got[2].Phase != PhaseMaterialize || got[3].Type != TypeComplete {
		t.Fatalf("unexpected forwarded events %+v", got)
	}
}

func TestThrottleDisabled(t *testing.T) {
	count := 0
	throttle := NewThrottle(0, func(Event) { count++ })
	for i := 0; i < 20; i++ {
		throttle.Send(Event{Type: TypeProgress, Phase: PhaseRecovery, Progress: float64(i)})
	}
	if count != 20 {
		t.Fatalf("forwarded %d, want 20", count)
	}
}
