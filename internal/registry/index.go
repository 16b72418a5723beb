package registry

import (
	"regexp"
	"sort"
	"strings"
)

// Host is one discovered addressable resource. Multiple alias keys may map
// to the same *Host; the entry itself is read-only after discovery.
type Host struct {
	Key        string
	Provider   string
	Attributes map[string]any
	Record     map[string]any
}

// Name returns the host's display name, falling back to the canonical key.
func (h *Host) Name() string {
	if h.Attributes != nil {
		if s, ok := h.Attributes["host.name"].(string); ok && s != "" {
			return s
		}
	}
	return h.Key
}

// hostIndex maps every known alias (canonical key, display name, protocol
// hostnames) to its entry. Last discovery wins on key collision.
type hostIndex struct {
	byKey map[string]*Host
}

func newHostIndex() *hostIndex {
	return &hostIndex{byKey: make(map[string]*Host)}
}

// add indexes one discovery record under all of its aliases. Records
// without a usable key are skipped.
func (ix *hostIndex) add(provider string, record map[string]any) *Host {
	key := stringField(record, "id", "key", "name")
	if key == "" {
		return nil
	}
	attrs, _ := record["attributes"].(map[string]any)
	h := &Host{
		Key:        key,
		Provider:   provider,
		Attributes: attrs,
		Record:     record,
	}
	for _, alias := range recordAliases(key, record) {
		ix.byKey[alias] = h
	}
	return h
}

// recordAliases returns the canonical key, the host.name attribute when
// distinct, and every protocol-specific hostname when distinct.
func recordAliases(key string, record map[string]any) []string {
	aliases := []string{key}
	seen := map[string]bool{key: true}
	appendAlias := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			aliases = append(aliases, s)
		}
	}

	if attrs, ok := record["attributes"].(map[string]any); ok {
		if name, ok := attrs["host.name"].(string); ok {
			appendAlias(name)
		}
	}
	switch protos := record["protocols"].(type) {
	case map[string]any:
		for _, v := range protos {
			if p, ok := v.(map[string]any); ok {
				appendAlias(stringField(p, "hostname"))
			}
		}
	case []any:
		for _, v := range protos {
			if p, ok := v.(map[string]any); ok {
				appendAlias(stringField(p, "hostname"))
			}
		}
	}
	return aliases
}

// lookup resolves an alias to its entry.
func (ix *hostIndex) lookup(alias string) *Host {
	return ix.byKey[alias]
}

// entries returns the distinct hosts in stable canonical-key order.
func (ix *hostIndex) entries() []*Host {
	seen := make(map[*Host]bool, len(ix.byKey))
	hosts := make([]*Host, 0, len(ix.byKey))
	for _, h := range ix.byKey {
		if !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Key < hosts[j].Key })
	return hosts
}

// search returns the distinct hosts whose aliases or display name match the
// pattern, case-insensitively.
func (ix *hostIndex) search(pattern string) ([]*Host, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	seen := make(map[*Host]bool)
	var hosts []*Host
	for alias, h := range ix.byKey {
		if seen[h] {
			continue
		}
		if re.MatchString(alias) || re.MatchString(h.Name()) {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Key < hosts[j].Key })
	return hosts, nil
}

// sampleKeys returns up to n canonical keys for diagnostics.
func (ix *hostIndex) sampleKeys(n int) []string {
	hosts := ix.entries()
	if len(hosts) > n {
		hosts = hosts[:n]
	}
	keys := make([]string, len(hosts))
	for i, h := range hosts {
		keys[i] = h.Key
	}
	return keys
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
