package compiler

import (
	"fmt"

	"candlexpr/internal/apperr"
	"candlexpr/internal/model"
)

// toRPN converts a flat token stream (operands, operators, parens) into
// Reverse Polish Notation via the shunting-yard algorithm. Equal-precedence
// operators are left-associative, so they pop before a new same-precedence
// operator is pushed.
func toRPN(tokens []model.Token) ([]model.Token, error) {
	output := make([]model.Token, 0, len(tokens))
	var opStack []model.Token

	popOp := func() model.Token {
		top := opStack[len(opStack)-1]
		opStack = opStack[:len(opStack)-1]
		return top
	}

	for _, tok := range tokens {
		switch tok.Kind {
		case model.TokenOperand:
			output = append(output, tok)

		case model.TokenOperator:
			for len(opStack) > 0 {
				top := opStack[len(opStack)-1]
				if top.Kind != model.TokenOperator {
					break
				}
				if top.Op.Precedence() < tok.Op.Precedence() {
					break
				}
				output = append(output, popOp())
			}
			opStack = append(opStack, tok)

		case model.TokenLParen:
			opStack = append(opStack, tok)

		case model.TokenRParen:
			found := false
			for len(opStack) > 0 {
				top := opStack[len(opStack)-1]
				if top.Kind == model.TokenLParen {
					popOp()
					found = true
					break
				}
				output = append(output, popOp())
			}
			if !found {
				return nil, fmt.Errorf("compiler: unmatched ')': %w", apperr.ErrParsingStream)
			}

		default:
			return nil, fmt.Errorf("compiler: unknown token kind: %w", apperr.ErrParsingStream)
		}
	}

	for len(opStack) > 0 {
		top := popOp()
		if top.Kind == model.TokenLParen {
			return nil, fmt.Errorf("compiler: unmatched '(': %w", apperr.ErrParsingStream)
		}
		output = append(output, top)
	}

	return output, nil
}
