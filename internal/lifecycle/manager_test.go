package lifecycle

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestManager_ClosesInReverseOrder(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var order []string
	for _, name := range []string{"store", "engine", "pollers"} {
		name := name
		m.RegisterFunc(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	want := []string{"pollers", "engine", "store"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("close order = %v, want %v", order, want)
		}
	}

	if err := m.Close(); err != nil || len(order) != 3 {
		t.Error("second Close should be a no-op")
	}
}

func TestManager_ReturnsFirstErrorAndContinues(t *testing.T) {
	m := NewManager(zerolog.Nop())
	errA := errors.New("a")
	errB := errors.New("b")
	closedFirst := false

	m.RegisterFunc("first", func() error {
		closedFirst = true
		return errA
	})
	m.RegisterFunc("second", func() error { return errB })

	if err := m.Close(); !errors.Is(err, errB) {
		t.Errorf("Close() = %v, want %v", err, errB)
	}
	if !closedFirst {
		t.Error("remaining resources must still be closed after a failure")
	}
}
