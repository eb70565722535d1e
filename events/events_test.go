package events

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
)

type redirectEvent struct {
	params map[string]string
	order  *[]string
}

func recorder(name string, err error) Handler[*redirectEvent] {
	return func(_ context.Context, ev *redirectEvent) error {
		*ev.order = append(*ev.order, name)
		ev.params[name] = "set"
		return err
	}
}

func newEvent() *redirectEvent {
	return &redirectEvent{params: map[string]string{}, order: &[]string{}}
}

func TestComposeRunsUserBeforeBuiltin(t *testing.T) {
	ev := newEvent()
	h := Compose(recorder("builtin", nil), recorder("user", nil))
	if err := h(context.Background(), ev); err != nil {
		t.Fatalf("composed handler returned error: %v", err)
	}
	if diff := cmp.Diff([]string{"user", "builtin"}, *ev.order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestComposeWithoutUserRunsBuiltin(t *testing.T) {
	ev := newEvent()
	if err := Compose(recorder("builtin", nil), nil)(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"builtin"}, *ev.order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestBuiltinRunsWhenUserFails(t *testing.T) {
	userErr := errors.New("user failed")
	ev := newEvent()
	err := Compose(recorder("builtin", nil), recorder("user", userErr))(context.Background(), ev)
	if !errors.Is(err, userErr) {
		t.Fatalf("expected user error, got %v", err)
	}
	if ev.params["builtin"] != "set" {
		t.Fatalf("builtin handler was skipped")
	}
}

func TestChainAggregatesErrors(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	ev := newEvent()
	err := Chain(recorder("a", first), nil, recorder("b", second), recorder("c", nil))(context.Background(), ev)

	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected *multierror.Error, got %T", err)
	}
	if len(merr.Errors) != 2 || !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("unexpected aggregate: %v", err)
	}
	if !strings.Contains(err.Error(), "2 errors occurred") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, *ev.order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestInvokeNilHandler(t *testing.T) {
	var h Handler[*redirectEvent]
	if err := h.Invoke(context.Background(), newEvent()); err != nil {
		t.Fatalf("nil handler returned error: %v", err)
	}
}
