// Package compiler turns a client's infix stream expression into a compiled
// ExpressionPlan: tokenize, attach the stream-suffix to bare operands, then
// run shunting-yard to produce an RPN token list.
package compiler

import (
	"fmt"
	"strings"

	"candlexpr/internal/apperr"
	"candlexpr/internal/model"
)

// splitExpression splits the client stream string "<infix>@<interval>" on
// its last '@', since the interval itself never contains one.
func splitExpression(stream string) (infix, interval string, err error) {
	idx := strings.LastIndex(stream, "@")
	if idx < 0 {
		return "", "", fmt.Errorf("compiler: %q has no @interval suffix: %w", stream, apperr.ErrParsingStream)
	}
	return stream[:idx], stream[idx+1:], nil
}

func isOperatorRune(r rune) bool {
	switch r {
	case '+', '-', '*', '/':
		return true
	default:
		return false
	}
}

func runeToOperator(r rune) model.Operator {
	switch r {
	case '+':
		return model.OpPlus
	case '-':
		return model.OpMinus
	case '*':
		return model.OpMultiply
	case '/':
		return model.OpDivide
	default:
		panic("compiler: runeToOperator called with non-operator rune")
	}
}

func isOperandRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// tokenize walks infix character by character, suffixing each bare operand
// with "@kline_<interval>" as it is flushed. An operand buffer is flushed on
// every operator/LParen/RParen boundary; an empty buffer at such a boundary
// is silently dropped (parity with the source this was distilled from — the
// RPN stack underflow at evaluation time is what actually surfaces it).
func tokenize(infix, interval string) ([]model.Token, error) {
	var tokens []model.Token
	var buf strings.Builder

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		tokens = append(tokens, model.NewOperandToken(buf.String()+"@kline_"+interval))
		buf.Reset()
	}

	for _, r := range infix {
		switch {
		case isOperatorRune(r):
			flush()
			tokens = append(tokens, model.NewOperatorToken(runeToOperator(r)))
		case r == '(':
			flush()
			tokens = append(tokens, model.Token{Kind: model.TokenLParen})
		case r == ')':
			flush()
			tokens = append(tokens, model.Token{Kind: model.TokenRParen})
		case isOperandRune(r):
			buf.WriteRune(r)
		default:
			return nil, fmt.Errorf("compiler: unexpected character %q: %w", r, apperr.ErrParsingStream)
		}
	}
	flush()

	return tokens, nil
}
