package connector

// KindMapping is the canonical meaning of one provider event name.
type KindMapping struct {
	Kind     EventKind
	Resource string
}

// KindTable maps provider event names to canonical kinds.
type KindTable map[string]KindMapping

// Lookup never fails: unrecognized names are treated as updates of an unknown resource.
func (t KindTable) Lookup(name string) KindMapping {
	if m, ok := t[name]; ok {
		return m
	}
	return KindMapping{Kind: KindUpdate, Resource: UnknownResource}
}
