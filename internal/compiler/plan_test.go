package compiler

import (
	"errors"
	"testing"

	"candlexpr/internal/apperr"
	"candlexpr/internal/model"
)

func rpnString(tokens []model.Token) string {
	s := ""
	for i, t := range tokens {
		if i > 0 {
			s += " "
		}
		s += t.String()
	}
	return s
}

func TestCompile_SingleOperand(t *testing.T) {
	plan, err := Compile("btcusdt@1m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := rpnString(plan.RPN), "btcusdt@kline_1m"; got != want {
		t.Fatalf("rpn = %q, want %q", got, want)
	}
	if got, want := plan.Operands, []string{"btcusdt@kline_1m"}; len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("operands = %v, want %v", got, want)
	}
}

func TestCompile_SimpleAddition(t *testing.T) {
	plan, err := Compile("btcusdt+ethusdt@1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := rpnString(plan.RPN), "btcusdt@kline_1h ethusdt@kline_1h +"; got != want {
		t.Fatalf("rpn = %q, want %q", got, want)
	}
}

func TestCompile_Parenthesized(t *testing.T) {
	plan, err := Compile("(btcusdt+ethusdt)*adausdt@1m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "btcusdt@kline_1m ethusdt@kline_1m + adausdt@kline_1m *"
	if got := rpnString(plan.RPN); got != want {
		t.Fatalf("rpn = %q, want %q", got, want)
	}
}

func TestCompile_UnbalancedParens(t *testing.T) {
	_, err := Compile("(btcusdt+ethusdt*adausdt@1m")
	if !errors.Is(err, apperr.ErrParsingStream) {
		t.Fatalf("expected ErrParsingStream, got %v", err)
	}
}

func TestCompile_LeftAssociative(t *testing.T) {
	plan, err := Compile("a-b-c@1m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "a@kline_1m b@kline_1m - c@kline_1m -"
	if got := rpnString(plan.RPN); got != want {
		t.Fatalf("rpn = %q, want %q", got, want)
	}
}

func TestCompile_OperandSuffixing(t *testing.T) {
	plan, err := Compile("btcusdt+ethusdt@5m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tok := range plan.RPN {
		if tok.Kind != model.TokenOperand {
			continue
		}
		for _, c := range "+-*/()" {
			if containsRune(tok.Operand, c) {
				t.Fatalf("operand %q contains operator rune %q", tok.Operand, c)
			}
		}
	}
}

func TestCompile_DistinctOperandOrder(t *testing.T) {
	plan, err := Compile("a+b+a@1m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a@kline_1m", "b@kline_1m"}
	if len(plan.Operands) != len(want) {
		t.Fatalf("operands = %v, want %v", plan.Operands, want)
	}
	for i := range want {
		if plan.Operands[i] != want[i] {
			t.Fatalf("operands = %v, want %v", plan.Operands, want)
		}
	}
}

func TestCompile_EmptyOperandDropped(t *testing.T) {
	plan, err := Compile("a++b@1m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "a@kline_1m b@kline_1m + +"
	if got := rpnString(plan.RPN); got != want {
		t.Fatalf("rpn = %q, want %q", got, want)
	}
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
