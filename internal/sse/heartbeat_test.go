package sse

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func runtimeYield() {
	runtime.Gosched()
	time.Sleep(time.Millisecond)
}

type countingPinger struct {
	n   atomic.Int32
	err error
}

func (p *countingPinger) Ping() error {
	p.n.Add(1)
	return p.err
}

func TestHeartbeatPingsImmediately(t *testing.T) {
	p := &countingPinger{}
	hb := StartHeartbeat(context.Background(), p, time.Hour)
	if p.n.Load() != 1 {
		t.Fatalf("pings=%d, want 1 before the first tick", p.n.Load())
	}
	hb.Stop()
}

func TestHeartbeatTicksUntilStopped(t *testing.T) {
	em, rec := newTestEmitter(t)
	hb := StartHeartbeat(context.Background(), em, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		em.mu.Lock()
		n := strings.Count(rec.Body.String(), ":\n\n")
		em.mu.Unlock()
		if n >= 3 {
			break
		}
		runtimeYield()
	}
	hb.Stop()

	em.mu.Lock()
	after := rec.Body.Len()
	em.mu.Unlock()
	if strings.Count(rec.Body.String(), ":\n\n") < 3 {
		t.Fatalf("expected at least 3 heartbeats, body=%q", rec.Body.String())
	}
	time.Sleep(20 * time.Millisecond)
	if rec.Body.Len() != after {
		t.Fatal("heartbeat written after Stop")
	}
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	hb := StartHeartbeat(context.Background(), &countingPinger{}, time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hb.Stop()
		}()
	}
	wg.Wait()
	hb.Stop()
}

func TestHeartbeatStopsOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &countingPinger{}
	hb := StartHeartbeat(ctx, p, time.Millisecond)
	cancel()

	select {
	case <-hb.Done():
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop after context cancel")
	}
	n := p.n.Load()
	time.Sleep(10 * time.Millisecond)
	if p.n.Load() != n {
		t.Fatal("ping after disconnect")
	}
	hb.Stop()
}

func TestHeartbeatStopsWhenEmitterCloses(t *testing.T) {
	em, _ := newTestEmitter(t)
	em.Disconnect()
	hb := StartHeartbeat(context.Background(), em, time.Millisecond)
	select {
	case <-hb.Done():
	case <-time.After(time.Second):
		t.Fatal("heartbeat kept running on a closed emitter")
	}
}
