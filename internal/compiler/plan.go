package compiler

import "candlexpr/internal/model"

// ExpressionPlan is the compiled form of a client stream expression: the RPN
// token list the evaluator walks per aligned tick, the distinct operand
// identifiers it must subscribe to (first-seen order), and the original
// client expression string echoed back in every ResultMessage.
type ExpressionPlan struct {
	RPN      []model.Token
	Operands []string
	Source   string
}

// Compile parses a client stream string of the form "<infix>@<interval>"
// into an ExpressionPlan.
func Compile(stream string) (*ExpressionPlan, error) {
	infix, interval, err := splitExpression(stream)
	if err != nil {
		return nil, err
	}

	tokens, err := tokenize(infix, interval)
	if err != nil {
		return nil, err
	}

	rpn, err := toRPN(tokens)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var operands []string
	for _, tok := range rpn {
		if tok.Kind != model.TokenOperand {
			continue
		}
		if seen[tok.Operand] {
			continue
		}
		seen[tok.Operand] = true
		operands = append(operands, tok.Operand)
	}

	return &ExpressionPlan{RPN: rpn, Operands: operands, Source: stream}, nil
}
