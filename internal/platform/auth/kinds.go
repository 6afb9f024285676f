package auth

import (
	"fmt"
)

// ParentLink points a kind at the kind that owns it indirectly. ForeignKey
// is the column on the child table referencing the parent's id.
type ParentLink struct {
	Kind       string
	ForeignKey string
}

// Kind describes one ownable resource class. OwnerColumn is empty for kinds
// whose ownership is resolved entirely through the parent chain.
type Kind struct {
	Name        string
	Table       string
	OwnerColumn string
	Parent      *ParentLink
	PHI         bool
}

// DefaultKinds returns the resource classes the server ships with.
//
// A session's owner column is nullable in the schema: group sessions carry
// no owning clinician and fall back to the patient chain.
func DefaultKinds() []Kind {
	return []Kind{
		{
			Name:        "patient",
			Table:       "patients",
			OwnerColumn: "therapist_id",
			PHI:         true,
		},
		{
			Name:        "session",
			Table:       "session_records",
			OwnerColumn: "therapist_id",
			Parent:      &ParentLink{Kind: "patient", ForeignKey: "patient_id"},
		},
		{
			Name:   "clinical_note",
			Table:  "clinical_notes",
			Parent: &ParentLink{Kind: "session", ForeignKey: "session_record_id"},
			PHI:    true,
		},
	}
}

// KindRegistry resolves kind names and precomputes each kind's parent chain.
type KindRegistry struct {
	kinds  map[string]Kind
	chains map[string][]Kind
}

// NewKindRegistry validates the kind set and builds chain lookups. It
// rejects duplicate names, unknown parents, parents without an owner or a
// chain of their own, and cycles.
func NewKindRegistry(kinds []Kind) (*KindRegistry, error) {
	byName := make(map[string]Kind, len(kinds))
	for _, k := range kinds {
		if k.Name == "" {
			return nil, fmt.Errorf("kind with empty name")
		}
		if k.Table == "" {
			return nil, fmt.Errorf("kind %s: table is required", k.Name)
		}
		if k.OwnerColumn == "" && k.Parent == nil {
			return nil, fmt.Errorf("kind %s: needs an owner column or a parent", k.Name)
		}
		if _, dup := byName[k.Name]; dup {
			return nil, fmt.Errorf("kind %s: duplicate name", k.Name)
		}
		byName[k.Name] = k
	}

	chains := make(map[string][]Kind, len(kinds))
	for _, k := range kinds {
		chain, err := buildChain(byName, k)
		if err != nil {
			return nil, err
		}
		chains[k.Name] = chain
	}

	return &KindRegistry{kinds: byName, chains: chains}, nil
}

// buildChain walks parent links from k up to the root, returning the
// ancestors in child-to-root order. k itself is not included.
func buildChain(byName map[string]Kind, k Kind) ([]Kind, error) {
	var chain []Kind
	seen := map[string]bool{k.Name: true}
	cur := k
	for cur.Parent != nil {
		parent, ok := byName[cur.Parent.Kind]
		if !ok {
			return nil, fmt.Errorf("kind %s: unknown parent %s", cur.Name, cur.Parent.Kind)
		}
		if seen[parent.Name] {
			return nil, fmt.Errorf("kind %s: parent cycle through %s", k.Name, parent.Name)
		}
		seen[parent.Name] = true
		chain = append(chain, parent)
		cur = parent
	}
	if len(chain) > 0 {
		root := chain[len(chain)-1]
		if root.OwnerColumn == "" {
			return nil, fmt.Errorf("kind %s: chain root %s has no owner column", k.Name, root.Name)
		}
	}
	return chain, nil
}

// Get returns the kind by name.
func (r *KindRegistry) Get(name string) (Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// ChainFor returns the kind's ancestors in child-to-root order. Empty for
// root kinds.
func (r *KindRegistry) ChainFor(name string) []Kind {
	return r.chains[name]
}

// Names returns all registered kind names.
func (r *KindRegistry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	return names
}
