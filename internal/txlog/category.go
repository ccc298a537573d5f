package txlog

import (
	"fmt"
	"strings"
)

// Category is one of the six artifact families the log tracks.
// Each has its own table per version.
type Category int

const (
	SubjectFactories Category = iota
	SubscriptionFactories
	Observers
	Observables
	Subjects
	Subscriptions
)

type categoryInfo struct {
	key  string // persisted table suffix
	name string
	slug string
}

var categoryTable = [...]categoryInfo{
	SubjectFactories:      {"TxSubjectFactories", "SubjectFactories", "subject-factories"},
	SubscriptionFactories: {"TxSubscriptionFactories", "SubscriptionFactories", "subscription-factories"},
	Observers:             {"TxObservers", "Observers", "observers"},
	Observables:           {"TxObservables", "Observables", "observables"},
	Subjects:              {"TxSubjects", "Subjects", "subjects"},
	Subscriptions:         {"TxSubscriptions", "Subscriptions", "subscriptions"},
}

var allCategories = []Category{
	SubjectFactories,
	SubscriptionFactories,
	Observers,
	Observables,
	Subjects,
	Subscriptions,
}

// Categories returns all categories in their fixed order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c >= 0 && int(c) < len(categoryTable)
}

// Key returns the persisted table suffix, e.g. "TxSubjects".
func (c Category) Key() string {
	if !c.Valid() {
		return ""
	}
	return categoryTable[c].key
}

// Slug returns the lower-kebab name used on the command line.
func (c Category) Slug() string {
	if !c.Valid() {
		return ""
	}
	return categoryTable[c].slug
}

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryTable[c].name
}

// ParseCategory accepts a table key ("TxSubjects"), a name ("Subjects") or
// a slug ("subjects").
func ParseCategory(s string) (Category, error) {
	for _, c := range allCategories {
		info := categoryTable[c]
		if s == info.key || s == info.name || strings.EqualFold(s, info.slug) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// MarshalText implements encoding.TextMarshaler using the slug.
func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, int(c))
	}
	return []byte(c.Slug()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler via ParseCategory.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
