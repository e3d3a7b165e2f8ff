package evaluator

import (
	"errors"
	"testing"

	"candlexpr/internal/apperr"
	"candlexpr/internal/compiler"
	"candlexpr/internal/model"
)

// fakeSource is a slice-backed Source: Recv pops candles in order, then
// reports closed with a fixed terminal error (nil on ordinary exhaustion).
type fakeSource struct {
	candles []model.Candle
	i       int
	errAt   error
}

func (f *fakeSource) Recv() (model.Candle, bool) {
	if f.i >= len(f.candles) {
		return model.Candle{}, false
	}
	c := f.candles[f.i]
	f.i++
	return c, true
}

func (f *fakeSource) Err() error {
	return f.errAt
}

func mustCompile(t *testing.T, stream string) *compiler.ExpressionPlan {
	t.Helper()
	plan, err := compiler.Compile(stream)
	if err != nil {
		t.Fatalf("Compile(%q): %v", stream, err)
	}
	return plan
}

func TestEvaluator_SingleAlignedTick(t *testing.T) {
	plan := mustCompile(t, "a+b@1m")

	a := &fakeSource{candles: []model.Candle{{T: 1000, O: 10, C: 11, H: 12, L: 9}}}
	b := &fakeSource{candles: []model.Candle{{T: 1000, O: 1, C: 2, H: 3, L: 4}}}

	e := New(plan, map[string]Source{
		"a@kline_1m": a,
		"b@kline_1m": b,
	})

	results := make(chan model.ResultMessage, 1)
	done := make(chan error, 1)
	go func() { done <- e.Run(results) }()

	res := <-results
	want := model.Candle{T: 1000, O: 11, C: 13, H: 15, L: 13}
	if res.Data != want {
		t.Fatalf("result candle = %+v, want %+v", res.Data, want)
	}
	if res.Stream != "a+b@1m" {
		t.Fatalf("result stream = %q, want %q", res.Stream, "a+b@1m")
	}

	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestEvaluator_DivisionByZeroPropagates(t *testing.T) {
	plan := mustCompile(t, "a/b@1m")

	a := &fakeSource{candles: []model.Candle{{T: 1000, O: 10, C: 10, H: 10, L: 10}}}
	b := &fakeSource{candles: []model.Candle{{T: 1000, O: 1, C: 1, H: 1, L: 0}}}

	e := New(plan, map[string]Source{
		"a@kline_1m": a,
		"b@kline_1m": b,
	})

	results := make(chan model.ResultMessage, 1)
	err := e.Run(results)
	if !errors.Is(err, apperr.ErrDivisionByZero) {
		t.Fatalf("Run error = %v, want wrapping ErrDivisionByZero", err)
	}
}

func TestEvaluator_AlignsByDiscardingStaleCandles(t *testing.T) {
	plan := mustCompile(t, "a+b@1m")

	// a produces two ticks before b catches up to the second one; the
	// evaluator must discard a's stale t=1000 candle rather than emit it
	// paired against b's t=2000 candle.
	a := &fakeSource{candles: []model.Candle{
		{T: 1000, O: 1, C: 1, H: 1, L: 1},
		{T: 2000, O: 2, C: 2, H: 2, L: 2},
	}}
	b := &fakeSource{candles: []model.Candle{
		{T: 2000, O: 10, C: 10, H: 10, L: 10},
	}}

	e := New(plan, map[string]Source{
		"a@kline_1m": a,
		"b@kline_1m": b,
	})

	results := make(chan model.ResultMessage, 1)
	done := make(chan error, 1)
	go func() { done <- e.Run(results) }()

	res := <-results
	want := model.Candle{T: 2000, O: 12, C: 12, H: 12, L: 12}
	if res.Data != want {
		t.Fatalf("result candle = %+v, want %+v", res.Data, want)
	}

	<-done
}

func TestEvaluator_UpstreamCloseEndsRunWithoutError(t *testing.T) {
	plan := mustCompile(t, "a@1m")

	a := &fakeSource{candles: nil}

	e := New(plan, map[string]Source{"a@kline_1m": a})

	results := make(chan model.ResultMessage, 1)
	if err := e.Run(results); err != nil {
		t.Fatalf("Run error = %v, want nil on ordinary upstream close", err)
	}
}

func TestEvaluator_UpstreamFailurePropagates(t *testing.T) {
	plan := mustCompile(t, "a@1m")

	errUpstream := errors.New("upstream gone")
	a := &fakeSource{candles: nil, errAt: errUpstream}

	e := New(plan, map[string]Source{"a@kline_1m": a})

	results := make(chan model.ResultMessage, 1)
	err := e.Run(results)
	if !errors.Is(err, errUpstream) {
		t.Fatalf("Run error = %v, want wrapping %v", err, errUpstream)
	}
}

func TestEvaluator_EmitsMultipleAlignedTicksInOrder(t *testing.T) {
	plan := mustCompile(t, "a+b@1m")

	a := &fakeSource{candles: []model.Candle{
		{T: 1000, O: 1, C: 1, H: 1, L: 1},
		{T: 2000, O: 2, C: 2, H: 2, L: 2},
	}}
	b := &fakeSource{candles: []model.Candle{
		{T: 1000, O: 10, C: 10, H: 10, L: 10},
		{T: 2000, O: 20, C: 20, H: 20, L: 20},
	}}

	e := New(plan, map[string]Source{
		"a@kline_1m": a,
		"b@kline_1m": b,
	})

	results := make(chan model.ResultMessage, 2)
	done := make(chan error, 1)
	go func() { done <- e.Run(results) }()

	first := <-results
	second := <-results

	if first.Data.T != 1000 || second.Data.T != 2000 {
		t.Fatalf("ticks out of order: first.T=%d second.T=%d", first.Data.T, second.Data.T)
	}
	if first.Data.O != 11 || second.Data.O != 22 {
		t.Fatalf("unexpected aggregate values: first=%+v second=%+v", first.Data, second.Data)
	}

	<-done
}
