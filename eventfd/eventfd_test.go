package eventfd_test

import (
	"testing"
	"time"

	"github.com/bobuhiro11/gokvm/eventfd"
)

func TestNew(t *testing.T) {
	t.Parallel()

	e, err := eventfd.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()
}

func TestSignalWait(t *testing.T) {
	t.Parallel()

	e, err := eventfd.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if err := e.Signal(55); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	got, err := e.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got != 55 {
		t.Fatalf("Wait: got %d, want 55", got)
	}
}

func TestSignalZeroIsNoop(t *testing.T) {
	t.Parallel()

	e, err := eventfd.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if err := e.Signal(0); err != nil {
		t.Fatalf("Signal(0): %v", err)
	}

	done := make(chan struct{})

	go func() {
		_, _ = e.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned after Signal(0), expected it to keep blocking")
	case <-time.After(50 * time.Millisecond):
	}

	// Unblock the waiting goroutine so the test can exit cleanly.
	if err := e.Signal(1); err != nil {
		t.Fatalf("Signal(1): %v", err)
	}

	<-done
}

func TestDupSharesCounter(t *testing.T) {
	t.Parallel()

	e, err := eventfd.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	dup, err := e.Dup()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	defer dup.Close()

	if err := e.Signal(923); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	got, err := dup.Wait()
	if err != nil {
		t.Fatalf("Wait on dup: %v", err)
	}

	if got != 923 {
		t.Fatalf("Wait on dup: got %d, want 923", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	e, err := eventfd.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestScopedEventSignalsOnClose(t *testing.T) {
	t.Parallel()

	scoped, err := eventfd.NewScoped()
	if err != nil {
		t.Fatalf("NewScoped: %v", err)
	}

	dup, err := scoped.Dup()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	defer dup.Close()

	if err := scoped.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := dup.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got != 1 {
		t.Fatalf("Wait: got %d, want 1", got)
	}
}
