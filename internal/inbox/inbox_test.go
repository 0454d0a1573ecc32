package inbox

import (
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/trailsync/internal/testutil"
)

func TestSend_Success(t *testing.T) {
	logger := testutil.NewTestLogger()
	ib := New[int](10, 100*time.Millisecond, logger.Logger())

	for i := 0; i < 5; i++ {
		if !ib.Send(i) {
			t.Errorf("expected send %d to succeed", i)
		}
	}

	stats := ib.Stats()
	if stats.TotalSent != 5 {
		t.Errorf("expected TotalSent to be 5, got %d", stats.TotalSent)
	}
	if stats.TimeoutCount != 0 {
		t.Errorf("expected TimeoutCount to be 0, got %d", stats.TimeoutCount)
	}
	if stats.MaxDepthSeen != 5 {
		t.Errorf("expected MaxDepthSeen to be 5, got %d", stats.MaxDepthSeen)
	}
}

func TestSend_Timeout(t *testing.T) {
	logger := testutil.NewTestLogger()
	ib := New[string](2, 10*time.Millisecond, logger.Logger())

	ib.Send("a")
	ib.Send("b")
	if ib.Send("c") {
		t.Error("expected third send to timeout")
	}

	if got := ib.Stats().TimeoutCount; got != 1 {
		t.Errorf("expected TimeoutCount to be 1, got %d", got)
	}
	if !logger.HasMessage("WARN", "inbox send timeout") {
		t.Error("expected a timeout warning")
	}
}

func TestTrySend_DropsWhenFull(t *testing.T) {
	ib := New[int](1, time.Second, nil)

	if !ib.TrySend(1) {
		t.Fatal("expected first TrySend to succeed")
	}
	start := time.Now()
	if ib.TrySend(2) {
		t.Error("expected second TrySend to drop")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("TrySend must not wait")
	}

	stats := ib.Stats()
	if stats.DroppedCount != 1 {
		t.Errorf("expected DroppedCount to be 1, got %d", stats.DroppedCount)
	}
	if stats.CurrentDepth != 1 {
		t.Errorf("expected CurrentDepth to be 1, got %d", stats.CurrentDepth)
	}
}

func TestReceive(t *testing.T) {
	ib := New[int](3, time.Second, nil)

	if _, ok := ib.TryReceive(); ok {
		t.Error("expected empty inbox")
	}

	ib.Send(7)
	ib.Send(8)
	if v, ok := ib.TryReceive(); !ok || v != 7 {
		t.Errorf("expected 7, got %d (ok=%v)", v, ok)
	}
	if v, ok := ib.Receive(); !ok || v != 8 {
		t.Errorf("expected 8, got %d (ok=%v)", v, ok)
	}
	if got := ib.Stats().TotalReceived; got != 2 {
		t.Errorf("expected TotalReceived to be 2, got %d", got)
	}
}

func TestClose(t *testing.T) {
	ib := New[int](3, time.Second, nil)
	ib.Send(1)
	ib.Close()
	ib.Close()

	if ib.Send(2) {
		t.Error("expected send after close to fail")
	}
	if ib.TrySend(3) {
		t.Error("expected TrySend after close to fail")
	}

	if v, ok := ib.Receive(); !ok || v != 1 {
		t.Errorf("expected buffered message to survive close, got %d (ok=%v)", v, ok)
	}
	if _, ok := ib.Receive(); ok {
		t.Error("expected closed inbox to report !ok")
	}

	count := 0
	for range ib.C() {
		count++
	}
	if count != 0 {
		t.Errorf("expected no messages, got %d", count)
	}
}

func TestConcurrentSendAndClose(t *testing.T) {
	ib := New[int](100, time.Millisecond, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ib.TrySend(n*100 + j)
			}
		}(i)
	}
	ib.Close()
	wg.Wait()

	stats := ib.Stats()
	if stats.TotalSent+stats.DroppedCount != 500 {
		t.Errorf("expected every send to be accounted for, got sent=%d dropped=%d",
			stats.TotalSent, stats.DroppedCount)
	}
}
