package phi

// FieldSet maps a resource kind to the columns that hold Protected Health
// Information and are stored encrypted. The lists drive two things: the PHI
// field names recorded on audit entries, and the PHI-bearing classification
// the audit gap verifier uses for severity.
type FieldSet struct {
	// ResourceKind is the kind name used across the authorizer and audit
	// trail (e.g. "patient").
	ResourceKind string
	// Fields lists the encrypted column names within the resource.
	Fields []string
}

// DefaultFieldSets returns the PHI field configuration for CareDesk resource
// kinds. Display-name fields (first_name, last_name) are protected by
// ownership checks rather than encryption to keep list views cheap; the
// fields here are the direct identifiers and clinical content.
func DefaultFieldSets() []FieldSet {
	return []FieldSet{
		{
			ResourceKind: "patient",
			Fields: []string{
				"email", // lookup via the email_hash companion column
				"phone",
				"emergency_contact",
			},
		},
		{
			ResourceKind: "clinical_note",
			Fields: []string{
				"content", // the note body itself
			},
		},
	}
}

// Registry answers which fields of a resource kind are PHI.
type Registry struct {
	fields map[string][]string
	paths  map[string]bool
}

// NewRegistry builds a Registry from field sets. Pass DefaultFieldSets() for
// the standard configuration.
func NewRegistry(sets []FieldSet) *Registry {
	r := &Registry{
		fields: make(map[string][]string, len(sets)),
		paths:  make(map[string]bool),
	}
	for _, s := range sets {
		r.fields[s.ResourceKind] = s.Fields
		for _, f := range s.Fields {
			r.paths[s.ResourceKind+"."+f] = true
		}
	}
	return r
}

// FieldsFor returns the PHI field names for a resource kind, or nil when the
// kind carries none.
func (r *Registry) FieldsFor(kind string) []string {
	return r.fields[kind]
}

// IsPHIField reports whether a specific field of a resource kind is PHI.
func (r *Registry) IsPHIField(kind, field string) bool {
	return r.paths[kind+"."+field]
}

// Bearing reports whether a resource kind carries any PHI fields.
func (r *Registry) Bearing(kind string) bool {
	return len(r.fields[kind]) > 0
}
