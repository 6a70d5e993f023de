package model

// NodeDefinition represents a simulated host.
type NodeDefinition struct {
	Name string
	// Identity signs the node's packets. Empty means the node name.
	Identity Identity
}

// Principal returns the identity the node signs with.
func (n NodeDefinition) Principal() Identity {
	if n.Identity != "" {
		return n.Identity
	}
	return Identity(n.Name)
}

// LinkDefinition is an undirected link between two hosts. Capabilities is
// what one traversal of the link offers, e.g. a datarate maximum or a fixed
// delay range.
type LinkDefinition struct {
	A, B         string
	Capabilities Description
	Up           bool
}

// Connects reports whether the link joins a and b in either direction.
func (l LinkDefinition) Connects(a, b string) bool {
	return (l.A == a && l.B == b) || (l.A == b && l.B == a)
}

// Other returns the far end seen from node.
func (l LinkDefinition) Other(node string) (string, bool) {
	switch node {
	case l.A:
		return l.B, true
	case l.B:
		return l.A, true
	default:
		return "", false
	}
}
