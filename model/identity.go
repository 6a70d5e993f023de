package model

import "golang.org/x/exp/slices"

// Identity names a principal that owns processes and signs packets.
type Identity string

func (id Identity) String() string { return string(id) }

// Route is the ordered list of node names from source to destination, both
// included.
type Route struct {
	Hops []string
}

// NewRoute copies hops into a Route.
func NewRoute(hops ...string) Route {
	return Route{Hops: slices.Clone(hops)}
}

// Len returns the number of nodes on the route.
func (r Route) Len() int { return len(r.Hops) }

// Links returns the number of hops (node pairs) on the route.
func (r Route) Links() int {
	if len(r.Hops) < 2 {
		return 0
	}
	return len(r.Hops) - 1
}

func (r Route) First() string {
	if len(r.Hops) == 0 {
		return ""
	}
	return r.Hops[0]
}

func (r Route) Last() string {
	if len(r.Hops) == 0 {
		return ""
	}
	return r.Hops[len(r.Hops)-1]
}

// Next returns the node following current.
func (r Route) Next(current string) (string, bool) {
	i := slices.Index(r.Hops, current)
	if i < 0 || i+1 >= len(r.Hops) {
		return "", false
	}
	return r.Hops[i+1], true
}

// Previous returns the node preceding current.
func (r Route) Previous(current string) (string, bool) {
	i := slices.Index(r.Hops, current)
	if i <= 0 {
		return "", false
	}
	return r.Hops[i-1], true
}

// Reverse returns the route walked backwards.
func (r Route) Reverse() Route {
	hops := slices.Clone(r.Hops)
	slices.Reverse(hops)
	return Route{Hops: hops}
}

func (r Route) Contains(node string) bool { return slices.Contains(r.Hops, node) }
