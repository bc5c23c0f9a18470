package epoch

import (
	"sync"
	"testing"
	"time"
)

func TestEnterLeaveDrainsImmediatelyWhenNoOtherParticipant(t *testing.T) {
	m := New()
	ran := false
	tok, v0 := m.Enter()
	if v0 != 1 {
		t.Fatalf("expected initial version 1, got %d", v0)
	}
	m.Leave(tok)

	m.BumpVersion(func() { ran = true })
	if !ran {
		t.Fatal("drain action should have run immediately: no participant was registered")
	}
}

func TestBumpVersionWaitsForActiveParticipant(t *testing.T) {
	m := New()
	ran := make(chan struct{})

	holder, _ := m.Enter() // still "in" at the old version

	m.BumpVersion(func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("drain action ran before the active participant left")
	case <-time.After(20 * time.Millisecond):
	}

	m.Leave(holder)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("drain action never ran after participant left")
	}
}

func TestRefreshUnblocksDrain(t *testing.T) {
	m := New()
	tok, _ := m.Enter()

	ran := make(chan struct{})
	m.BumpVersion(func() { close(ran) })

	m.Refresh(tok) // catches the goroutine up to the post-bump version

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("refresh should have made the bumped version safe to drain")
	}
	m.Leave(tok)
}

func TestGoPublishesRecoverableToken(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	wg.Add(1)
	var sawToken bool
	m.Go(func() {
		defer wg.Done()
		_, ok := Current()
		sawToken = ok
	})
	wg.Wait()
	if !sawToken {
		t.Fatal("Current() should recover the token published by Go")
	}
}

func TestConcurrentParticipants(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, _ := m.Enter()
			time.Sleep(time.Millisecond)
			m.Leave(tok)
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	m.BumpVersion(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain should complete once all participants left")
	}
}
