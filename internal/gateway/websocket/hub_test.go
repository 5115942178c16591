package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/session/models"
)

// Queue sizes below stay above the frame counts so a full queue never
// force-closes the nil test connection.

func TestEnqueueRacingCloseSend(t *testing.T) {
	log := newTestLogger(t)
	for i := 0; i < 50; i++ {
		client := NewClient("c-1", "s-1", &models.Participant{ID: "p-1", UserID: "u-1"},
			nil, nil, nil, time.Minute, 1024, log)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				client.enqueue([]byte(`{"type":"sandbox_event"}`))
			}
		}()
		go func() {
			defer wg.Done()
			client.closeSend()
		}()
		wg.Wait()

		// Queue is closed; frames enqueued after the close were dropped.
		for range client.send {
		}
	}
}

func TestBroadcastDuringClientChurn(t *testing.T) {
	log := newTestLogger(t)
	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		frame := []byte(`{"type":"sandbox_event"}`)
		for i := 0; i < 300; i++ {
			hub.BroadcastToSession("s-1", frame)
		}
	}()

	for i := 0; i < 100; i++ {
		client := NewClient("c-1", "s-1", &models.Participant{ID: "p-1", UserID: "u-1"},
			nil, hub, nil, time.Minute, 1024, log)
		hub.Register(client)
		hub.Unregister(client)
	}
	wg.Wait()
}
