// Package routing computes routes between simulated hosts.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/gatesim/kb"
	"github.com/signalsfoundry/gatesim/model"
	"golang.org/x/exp/slices"
)

var (
	ErrNoRoute     = errors.New("no route")
	ErrUnknownNode = errors.New("unknown node")
	ErrLinkDown    = errors.New("link is down")
)

// Service computes routes and reports what a link offers.
type Service interface {
	// GetRoute returns the hops from src to dst, both included, over links
	// able to carry req.
	GetRoute(ctx context.Context, src, dst string, req model.Description, id model.Identity) (model.Route, error)
	// Offer returns the capabilities of the link from one host to the next.
	Offer(from, to string) (model.Description, error)
}

// Static routes over the links of a knowledge base. It picks the route with
// the fewest hops, breaking ties by neighbor name, and skips links that are
// down or whose capabilities alone contradict the requirement.
type Static struct {
	kb *kb.KnowledgeBase
}

func NewStatic(store *kb.KnowledgeBase) *Static {
	return &Static{kb: store}
}

func (s *Static) Offer(from, to string) (model.Description, error) {
	l, ok := s.kb.Link(from, to)
	if !ok {
		return model.Description{}, fmt.Errorf("%w: %s-%s", ErrNoRoute, from, to)
	}
	if !l.Up {
		return model.Description{}, fmt.Errorf("%w: %s-%s", ErrLinkDown, from, to)
	}
	return l.Capabilities, nil
}

func (s *Static) GetRoute(ctx context.Context, src, dst string, req model.Description, _ model.Identity) (model.Route, error) {
	for _, n := range []string{src, dst} {
		if _, ok := s.kb.GetNode(n); !ok {
			return model.Route{}, fmt.Errorf("%w: %s", ErrUnknownNode, n)
		}
	}
	if src == dst {
		return model.NewRoute(src), nil
	}

	prev := map[string]string{src: ""}
	frontier := []string{src}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return model.Route{}, err
		}
		var next []string
		for _, cur := range frontier {
			for _, l := range s.kb.Neighbors(cur) {
				other, _ := l.Other(cur)
				if _, seen := prev[other]; seen || !l.Up || !carries(l, req) {
					continue
				}
				prev[other] = cur
				if other == dst {
					return model.NewRoute(walkBack(prev, dst)...), nil
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	return model.Route{}, fmt.Errorf("%w: %s to %s for %s", ErrNoRoute, src, dst, req)
}

func carries(l model.LinkDefinition, req model.Description) bool {
	_, err := l.Capabilities.DeriveRequirements(req)
	return err == nil
}

func walkBack(prev map[string]string, dst string) []string {
	var hops []string
	for n := dst; n != ""; n = prev[n] {
		hops = append(hops, n)
	}
	slices.Reverse(hops)
	return hops
}
