// Package evaluator implements one running evaluation of a compiled
// ExpressionPlan against live, per-operand candle streams: it aligns
// incoming candles by timestamp and walks the RPN plan to emit a result
// candle per aligned tick.
package evaluator

import (
	"fmt"

	"candlexpr/internal/apperr"
	"candlexpr/internal/compiler"
	"candlexpr/internal/model"
)

// Source is the minimal contract an evaluator needs from a
// subscription: *registry.SubscriberChannel satisfies it, and tests supply
// lightweight fakes without standing up a real registry/upstream.
type Source interface {
	Recv() (model.Candle, bool)
	Err() error
}

// Evaluator runs one client request's ExpressionPlan against the
// subscriptions its operands were subscribed to.
type Evaluator struct {
	plan *compiler.ExpressionPlan
	subs map[string]Source

	// stack is reused across every tick's RPN pass to avoid per-tick
	// allocation on the hot path.
	stack []model.Candle
}

// New builds an Evaluator from plan and the already-subscribed sources
// keyed by operand identifier. subs must contain exactly plan.Operands.
func New(plan *compiler.ExpressionPlan, subs map[string]Source) *Evaluator {
	return &Evaluator{
		plan:  plan,
		subs:  subs,
		stack: make([]model.Candle, 0, len(plan.RPN)),
	}
}

// Run drives the evaluator's main loop, sending one ResultMessage per
// aligned tick on results until a subscriber channel closes or an
// algebraic/evaluation failure occurs, then returns the terminal error (nil
// on ordinary upstream close).
func (e *Evaluator) Run(results chan<- model.ResultMessage) error {
	next := make(map[string]model.Candle, len(e.plan.Operands))

	for {
		done, err := e.barrier(next)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		done, err = e.align(next)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		result, err := e.evaluate(next)
		if err != nil {
			return err
		}

		results <- model.ResultMessage{Stream: e.plan.Source, Data: result}

		for k := range next {
			delete(next, k)
		}
	}
}

// barrier reads exactly one candle from each operand's subscriber channel,
// blocking until all have produced one. done is true once any operand's
// channel closes — distinct from a tick being ready — so Run can stop
// instead of evaluating against a stale or zero-value candle.
func (e *Evaluator) barrier(next map[string]model.Candle) (done bool, err error) {
	for _, operand := range e.plan.Operands {
		sub := e.subs[operand]
		c, ok := sub.Recv()
		if !ok {
			if err := sub.Err(); err != nil {
				return true, fmt.Errorf("evaluator: operand %s: %w", operand, err)
			}
			return true, nil
		}
		next[operand] = c
	}
	return false, nil
}

// align discards any operand candle whose t is behind the maximum observed
// t, pulling fresh candles from that operand until every held candle shares
// the same t. If a fresher candle arrives with t > the current target, that
// t becomes the new target and the loop re-aligns. Terminates in finite
// steps: per-upstream timestamps are monotone non-decreasing. done mirrors
// barrier's: true once an operand's channel closes mid-alignment.
func (e *Evaluator) align(next map[string]model.Candle) (done bool, err error) {
	for {
		tMax := uint64(0)
		for _, operand := range e.plan.Operands {
			if c := next[operand]; c.T > tMax {
				tMax = c.T
			}
		}

		aligned := true
		for _, operand := range e.plan.Operands {
			c := next[operand]
			if c.T == tMax {
				continue
			}
			aligned = false

			sub := e.subs[operand]
			for c.T < tMax {
				fresh, ok := sub.Recv()
				if !ok {
					if err := sub.Err(); err != nil {
						return true, fmt.Errorf("evaluator: operand %s: %w", operand, err)
					}
					return true, nil
				}
				c = fresh
			}
			next[operand] = c
		}

		if aligned {
			return false, nil
		}
	}
}

// evaluate walks the RPN plan once, pushing operand candles and popping
// pairs into algebra operations, using the evaluator's reused scratch stack.
func (e *Evaluator) evaluate(next map[string]model.Candle) (model.Candle, error) {
	e.stack = e.stack[:0]

	for _, tok := range e.plan.RPN {
		switch tok.Kind {
		case model.TokenOperand:
			e.stack = append(e.stack, next[tok.Operand])

		case model.TokenOperator:
			if len(e.stack) < 2 {
				return model.Candle{}, fmt.Errorf("evaluator: stack underflow on %v: %w", tok.Op, apperr.ErrParsingStream)
			}
			rhs := e.stack[len(e.stack)-1]
			lhs := e.stack[len(e.stack)-2]
			e.stack = e.stack[:len(e.stack)-2]

			result, err := model.Apply(tok.Op, lhs, rhs)
			if err != nil {
				return model.Candle{}, err
			}
			e.stack = append(e.stack, result)

		default:
			return model.Candle{}, fmt.Errorf("evaluator: unexpected token in RPN plan: %w", apperr.ErrParsingStream)
		}
	}

	if len(e.stack) != 1 {
		return model.Candle{}, fmt.Errorf("evaluator: plan did not reduce to one value: %w", apperr.ErrParsingStream)
	}
	return e.stack[0], nil
}
