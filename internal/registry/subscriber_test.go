package registry

import (
	"errors"
	"testing"

	"candlexpr/internal/model"
)

var errUpstreamGone = errors.New("upstream gone")

func TestSubscriberChannel_DeliverAndRecv(t *testing.T) {
	sub := newSubscriberChannel()
	want := model.Candle{T: 1, O: 1, C: 1, H: 1, L: 1}

	if !sub.tryDeliver(want) {
		t.Fatal("tryDeliver: expected success on empty buffer")
	}

	got, ok := sub.Recv()
	if !ok {
		t.Fatal("Recv: expected ok=true")
	}
	if got != want {
		t.Fatalf("Recv = %+v, want %+v", got, want)
	}
}

func TestSubscriberChannel_OverflowThenFail(t *testing.T) {
	sub := newSubscriberChannel()
	for i := 0; i < subscriberBuffer; i++ {
		if !sub.tryDeliver(model.Candle{T: uint64(i)}) {
			t.Fatalf("tryDeliver: unexpected failure filling buffer at %d", i)
		}
	}
	if sub.tryDeliver(model.Candle{T: 9999}) {
		t.Fatal("tryDeliver: expected failure once buffer is full")
	}

	sub.fail(errUpstreamGone)

	for i := 0; i < subscriberBuffer; i++ {
		if _, ok := sub.Recv(); !ok {
			t.Fatalf("Recv: expected buffered candle %d before close observed", i)
		}
	}
	if _, ok := sub.Recv(); ok {
		t.Fatal("Recv: expected ok=false after close")
	}
	if sub.Err() != errUpstreamGone {
		t.Fatalf("Err() = %v, want %v", sub.Err(), errUpstreamGone)
	}
}
