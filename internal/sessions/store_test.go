package sessions

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_GetSetExpire(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "a", "1", 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := s.Get(ctx, "a"); !ok || v != "1" {
		t.Fatalf("Get = %q,%v", v, ok)
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("key survived its TTL")
	}

	s.Set(ctx, "b", "2", 30*time.Millisecond)
	s.Expire(ctx, "b", time.Hour)
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "b"); !ok {
		t.Error("Expire did not extend TTL")
	}
}

func TestMemoryStore_Lists(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for i, v := range []string{"hola", "necesito", "ayuda"} {
		n, err := s.Append(ctx, "l", v, time.Minute)
		if err != nil || n != i+1 {
			t.Fatalf("Append #%d = %d, %v", i, n, err)
		}
	}
	got, _ := s.List(ctx, "l")
	if len(got) != 3 || got[0] != "hola" || got[2] != "ayuda" {
		t.Errorf("List = %v", got)
	}

	drained, _ := s.Drain(ctx, "l")
	if len(drained) != 3 {
		t.Errorf("Drain = %v", drained)
	}
	if rest, _ := s.List(ctx, "l"); len(rest) != 0 {
		t.Errorf("list not empty after drain: %v", rest)
	}
}

func TestPurgeCitizen(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	key := CitizenKey("whatsapp", "573001112233")
	other := CitizenKey("whatsapp", "573009998877")
	s.Set(ctx, Field(key, FieldVerifyStep), "name", time.Minute)
	s.Append(ctx, Field(key, FieldBufferMsgs), "hola", time.Minute)
	s.Set(ctx, PendingKey(key), "1", time.Minute)
	s.Set(ctx, Field(other, FieldVerifyStep), "name", time.Minute)

	if err := PurgeCitizen(ctx, s, key); err != nil {
		t.Fatal(err)
	}
	if keys, _ := s.Keys(ctx, key); len(keys) != 0 {
		t.Errorf("citizen keys left: %v", keys)
	}
	if keys, _ := s.Keys(ctx, PendingPrefix); len(keys) != 0 {
		t.Errorf("pending marker left: %v", keys)
	}
	if _, ok, _ := s.Get(ctx, Field(other, FieldVerifyStep)); !ok {
		t.Error("purge touched another citizen")
	}
}

func TestKeyHelpers(t *testing.T) {
	key := CitizenKey("webchat", "u-1")
	if ch, addr, ok := ParseCitizenKey(key); !ok || ch != "webchat" || addr != "u-1" {
		t.Errorf("ParseCitizenKey(%q) = %q %q %v", key, ch, addr, ok)
	}
	if got, ok := CitizenFromPending(PendingKey(key)); !ok || got != key {
		t.Errorf("CitizenFromPending = %q %v", got, ok)
	}
	if _, ok := CitizenFromPending(key); ok {
		t.Error("non-pending key accepted")
	}
}

func TestKeyLock_SerializesSameKey(t *testing.T) {
	l := NewKeyLock()
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("k")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if l.Len() != 0 {
		t.Errorf("lock entries leaked: %d", l.Len())
	}
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewKeyLock()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
}
