package flow

import (
	"fmt"

	"github.com/unclebandit/campaign-engine/internal/condition"
	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/schedule"
)

// Compile builds the graph and checks it can run: gapless 1-based orders,
// well-formed content, branch targets that exist, and no cycle that could be
// traversed without any delay. Problems are reported together.
func Compile(c model.Campaign) (*Graph, error) {
	g, err := Build(c)
	if err != nil {
		return nil, &appErrors.ErrInvalidFlow{CampaignID: c.ID, Problems: []string{err.Error()}}
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for i, order := range g.orders {
		if order != i+1 {
			add("step orders must be 1..%d without gaps, found %d at position %d", len(g.orders), order, i+1)
			break
		}
	}

	for _, order := range g.orders {
		n := g.nodes[order]
		s := n.Step()
		if s.Delay.Days < 0 || s.Delay.Hours < 0 || s.Delay.Minutes < 0 {
			add("step %d: negative delay", order)
		}
		if s.SendTime != "" {
			if _, _, err := schedule.ParseSendTime(s.SendTime); err != nil {
				add("step %d: %v", order, err)
			}
		}
		if _, isCond := n.(ConditionNode); !isCond && (s.TrueBranchOrder != nil || s.FalseBranchOrder != nil) {
			add("step %d: only CONDITION steps may branch", order)
		}

		switch v := n.(type) {
		case MessageNode:
			checkMessage(order, v.Message, add)
		case ConditionNode:
			for _, p := range v.Predicates {
				if p.Field == "" {
					add("step %d: predicate without field", order)
				}
				if !condition.ValidOperator(p.Operator) {
					add("step %d: unknown operator %q", order, p.Operator)
				}
			}
			for _, t := range []*int{v.OnTrue, v.OnFalse} {
				if t == nil {
					continue
				}
				if _, ok := g.nodes[*t]; !ok {
					add("step %d: branch target %d does not exist", order, *t)
				}
			}
		case ActionNode:
			checkAction(order, v.Action, add)
		}
	}

	if c.Type.IsBroadcast() {
		first, ok := g.nodes[1]
		if _, isMsg := first.(MessageNode); !ok || !isMsg {
			add("broadcast campaigns need a MESSAGE step at order 1")
		}
	}

	if cycle := g.instantCycle(); cycle != nil {
		add("steps %v form a loop with no delay", cycle)
	}

	if len(problems) > 0 {
		return nil, &appErrors.ErrInvalidFlow{CampaignID: c.ID, Problems: problems}
	}
	return g, nil
}

func checkMessage(order int, m model.MessageContent, add func(string, ...any)) {
	switch m.Type {
	case "text":
		if m.Text == "" {
			add("step %d: text message without text", order)
		}
	case "flex":
		if len(m.Contents) == 0 {
			add("step %d: flex message without contents", order)
		}
	default:
		add("step %d: unsupported message type %q", order, m.Type)
	}
}

func checkAction(order int, a model.ActionContent, add func(string, ...any)) {
	switch a.Type {
	case model.ActionAddTag, model.ActionRemoveTag:
		if a.TagID == "" {
			add("step %d: %s without tagId", order, a.Type)
		}
	case model.ActionUpdateScore:
		if !a.ScoreField.Valid() {
			add("step %d: unknown score field %q", order, a.ScoreField)
		}
		if a.ScoreValue == nil {
			add("step %d: update_score without scoreValue", order)
		}
	default:
		add("step %d: unknown action %q", order, a.Type)
	}
}

// instantCycle finds a cycle whose every hop lands on a step with no delay
// and no fixed send time. Such a loop would be walked forever, one step per pass.
func (g *Graph) instantCycle() []int {
	const (
		white = iota
		grey
		black
	)
	color := make(map[int]int, len(g.orders))
	var stack []int
	var found []int

	instant := func(order int) bool {
		s := g.nodes[order].Step()
		return s.Delay.IsZero() && s.SendTime == ""
	}

	var visit func(order int) bool
	visit = func(order int) bool {
		color[order] = grey
		stack = append(stack, order)
		for _, next := range g.successors(g.nodes[order]) {
			if !instant(next) {
				continue
			}
			switch color[next] {
			case grey:
				for i := range stack {
					if stack[i] == next {
						found = append([]int(nil), stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[order] = black
		return false
	}

	for _, order := range g.orders {
		if color[order] == white && visit(order) {
			return found
		}
	}
	return nil
}
