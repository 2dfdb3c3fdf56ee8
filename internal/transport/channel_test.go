package transport

import (
	"net"
	"testing"
	"time"
)

func TestMemoryBootstrapOpenAndShutdown(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	shutdownCh := make(chan error, 1)
	var ch *Channel
	setupDone := make(chan struct{})

	b := &MemoryBootstrap{Conn: client}
	b.Open(func(err error, c *Channel) {
		if err != nil {
			t.Errorf("unexpected setup error: %v", err)
		}
		ch = c
		close(setupDone)
	}, func(err error) {
		shutdownCh <- err
	})

	<-setupDone
	if ch == nil {
		t.Fatal("expected non-nil channel")
	}

	done := make(chan struct{})
	ch.Schedule(10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}

	ch.CloseWithError(nil)
	select {
	case err := <-shutdownCh:
		if err != nil {
			t.Errorf("expected nil shutdown error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("onShutdown never fired")
	}
}

func TestTaskCancelPreventsRun(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var ch *Channel
	done := make(chan struct{})
	b := &MemoryBootstrap{Conn: client}
	b.Open(func(err error, c *Channel) { ch = c; close(done) }, func(error) {})
	<-done

	ran := false
	task := ch.Schedule(20*time.Millisecond, func() { ran = true })
	task.Cancel()

	time.Sleep(40 * time.Millisecond)
	if ran {
		t.Fatal("cancelled task still ran")
	}
}
