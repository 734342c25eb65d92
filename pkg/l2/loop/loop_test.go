// SPDX-License-Identifier: GPL-3.0-or-later

package loop

import (
	"context"
	"testing"
	"time"

	"github.com/meshbound/dtnmesh/pkg/l2"
)

func TestBroadcastReachesOthersNotSender(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")
	b := New(hub, "b")
	c := New(hub, "c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	ctx := context.Background()
	if err := a.SendBroadcast(ctx, []byte("hello")); err != nil {
		t.Fatalf("SendBroadcast: %v", err)
	}

	for _, l := range []*Link{b, c} {
		frame, err := recvWithTimeout(t, l)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if string(frame.Data) != "hello" {
			t.Fatalf("unexpected payload: %q", frame.Data)
		}
		if string(frame.From) != "a" {
			t.Fatalf("unexpected From: %q", frame.From)
		}
	}

	select {
	case f := <-a.in:
		t.Fatalf("sender should not receive its own broadcast, got %v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnicastTargetsOnlyNamedLink(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")
	b := New(hub, "b")
	c := New(hub, "c")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if err := a.SendUnicast(context.Background(), []byte("b"), []byte("hi")); err != nil {
		t.Fatalf("SendUnicast: %v", err)
	}

	frame, err := recvWithTimeout(t, b)
	if err != nil {
		t.Fatalf("Recv on b: %v", err)
	}
	if string(frame.Data) != "hi" {
		t.Fatalf("unexpected payload: %q", frame.Data)
	}

	select {
	case f := <-c.in:
		t.Fatalf("unicast should not reach an unaddressed link, got %v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRecvUnblocksOnClose(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")

	done := make(chan error, 1)
	go func() {
		_, err := a.Recv(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Recv to return an error once its Link is closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Recv to unblock after Close")
	}
}

func TestHubDropDropsEveryNthFrame(t *testing.T) {
	hub := NewHubDrop(2)
	a := New(hub, "a")
	b := New(hub, "b")
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	a.SendBroadcast(ctx, []byte("one"))
	a.SendBroadcast(ctx, []byte("two"))
	a.SendBroadcast(ctx, []byte("three"))

	var received []string
	for i := 0; i < 2; i++ {
		frame, err := recvWithTimeout(t, b)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		received = append(received, string(frame.Data))
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 surviving frames out of 3 with drop-every-2nd, got %v", received)
	}
	select {
	case f := <-b.in:
		t.Fatalf("expected no third frame to arrive, got %v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func recvWithTimeout(t *testing.T, l *Link) (l2.Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return l.Recv(ctx)
}
