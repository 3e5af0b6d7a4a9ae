package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Abhishek12890551/together-sub000/internal/chat"
)

func TestInputLoop_ReturnsOnCancelWhileBlocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A pipe with no writer keeps the scanner blocked in Read.
	r, w := io.Pipe()
	defer w.Close()

	done := make(chan error, 1)
	go func() {
		done <- inputLoop(ctx, chat.NewCore(chat.Config{}), slog.New(slog.DiscardHandler), r)
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("inputLoop did not return after cancellation")
	}
}

func TestInputLoop_ClosedInputWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- inputLoop(ctx, chat.NewCore(chat.Config{}), slog.New(slog.DiscardHandler), strings.NewReader(""))
	}()

	select {
	case err := <-done:
		t.Fatalf("inputLoop exited before cancellation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("inputLoop did not return after cancellation")
	}
}
