package llm

import "strings"

// ModelRef is a resolved "[provider:]model" string.
type ModelRef struct {
	Provider string
	Name     string
}

// String returns the canonical "provider:model" form.
func (r ModelRef) String() string {
	if r.Provider == "" {
		return r.Name
	}
	return r.Provider + ":" + r.Name
}

// ParseModelRef resolves a model string against the set of known provider
// names. The leading token before the first colon is treated as a provider
// only when it case-insensitively matches a known provider; otherwise the
// whole string is a model name on the default provider. Model names may
// themselves contain colons ("llama3:8b").
func ParseModelRef(s, defaultProvider string, known []string) ModelRef {
	s = strings.TrimSpace(s)
	if head, rest, ok := strings.Cut(s, ":"); ok && rest != "" {
		for _, p := range known {
			if strings.EqualFold(head, p) {
				return ModelRef{Provider: p, Name: rest}
			}
		}
	}
	return ModelRef{Provider: defaultProvider, Name: s}
}
