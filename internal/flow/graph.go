// Package flow turns a campaign's ordered steps into an explicit graph of
// typed nodes and resolves which step an enrollment moves to next.
package flow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// Node is one step of the graph. The concrete types are MessageNode,
// WaitNode, ConditionNode and ActionNode.
type Node interface {
	Step() model.Step
	Order() int
}

type base struct {
	step model.Step
}

func (b base) Step() model.Step { return b.step }
func (b base) Order() int       { return b.step.Order }

type MessageNode struct {
	base
	Message model.MessageContent
}

type WaitNode struct {
	base
}

type ConditionNode struct {
	base
	Predicates []model.Predicate
	OnTrue     *int
	OnFalse    *int
}

// Target returns the configured branch for an outcome, if any.
func (n ConditionNode) Target(outcome bool) *int {
	if outcome {
		return n.OnTrue
	}
	return n.OnFalse
}

type ActionNode struct {
	base
	Action model.ActionContent
}

type Graph struct {
	CampaignID string
	nodes      map[int]Node
	orders     []int
}

// Build decodes every step into its node type. It does not validate branch
// targets; use Compile for that.
func Build(c model.Campaign) (*Graph, error) {
	g := &Graph{CampaignID: c.ID, nodes: make(map[int]Node, len(c.Steps))}
	for _, s := range c.Steps {
		n, err := decode(s)
		if err != nil {
			return nil, fmt.Errorf("campaign %s step %d: %w", c.ID, s.Order, err)
		}
		if _, dup := g.nodes[s.Order]; dup {
			return nil, fmt.Errorf("campaign %s: duplicate step order %d", c.ID, s.Order)
		}
		g.nodes[s.Order] = n
		g.orders = append(g.orders, s.Order)
	}
	sort.Ints(g.orders)
	return g, nil
}

func decode(s model.Step) (Node, error) {
	b := base{step: s}
	switch s.Type {
	case model.StepMessage:
		var m model.MessageContent
		if err := unmarshal(s.Content, &m); err != nil {
			return nil, fmt.Errorf("message content: %w", err)
		}
		return MessageNode{base: b, Message: m}, nil
	case model.StepWait:
		return WaitNode{base: b}, nil
	case model.StepCondition:
		return ConditionNode{
			base:       b,
			Predicates: s.Conditions,
			OnTrue:     s.TrueBranchOrder,
			OnFalse:    s.FalseBranchOrder,
		}, nil
	case model.StepAction:
		var a model.ActionContent
		if err := unmarshal(s.Content, &a); err != nil {
			return nil, fmt.Errorf("action content: %w", err)
		}
		return ActionNode{base: b, Action: a}, nil
	}
	return nil, fmt.Errorf("unknown step type %q", s.Type)
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (g *Graph) Node(order int) (Node, bool) {
	n, ok := g.nodes[order]
	return n, ok
}

// First returns the lowest-ordered node.
func (g *Graph) First() (Node, bool) {
	if len(g.orders) == 0 {
		return nil, false
	}
	return g.nodes[g.orders[0]], true
}

func (g *Graph) Len() int { return len(g.orders) }

// Next resolves the node that follows n. For a ConditionNode, outcome selects
// the branch; a branch that is unset or points at a missing step falls through
// to order+1. The boolean is false when the flow is finished.
func (g *Graph) Next(n Node, outcome bool) (Node, bool) {
	if c, ok := n.(ConditionNode); ok {
		if target := c.Target(outcome); target != nil {
			if next, ok := g.nodes[*target]; ok {
				return next, true
			}
		}
	}
	next, ok := g.nodes[n.Order()+1]
	return next, ok
}

// successors lists the orders reachable in one hop from n.
func (g *Graph) successors(n Node) []int {
	var out []int
	for _, outcome := range []bool{true, false} {
		next, ok := g.Next(n, outcome)
		if !ok {
			continue
		}
		if len(out) == 1 && out[0] == next.Order() {
			continue
		}
		out = append(out, next.Order())
		if _, isCond := n.(ConditionNode); !isCond {
			break
		}
	}
	return out
}
