package scpi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	valuePlaceholder   = "{value}"
	capturePlaceholder = "(.+)"

	// Affirmative response of a linked stateful setter.
	setAck = "OK"

	// State key suffix used by stateful SET/QUERY bindings.
	stateValueSuffix = "_VALUE"
)

// Stateful binds a linked SET or QUERY entry to its shared register. Set
// entries carry the validation rule of the original pattern; query entries
// carry the default captured at first link.
type Stateful struct {
	Base    string
	Set     bool
	Default string
}

// Entry is one registered command. Exactly one behavior applies: builtin
// handler, stateful binding, or canned response template. Pattern is non-nil
// for parameterized entries.
type Entry struct {
	Key      string
	Template string
	Rule     *Rule
	Pattern  *regexp.Regexp
	Stateful *Stateful
	Builtin  func(inst *Instrument) string
}

func (e *Entry) isPattern() bool { return e.Pattern != nil }

// Registry holds an instrument's command table. Pattern entries keep
// registration order: the first registered pattern that fully matches a
// command wins. Captured stateful defaults outlive relinking and device
// clear.
type Registry struct {
	entries  map[string]*Entry
	order    []string
	defaults map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  map[string]*Entry{},
		defaults: map[string]string{},
	}
}

// Add registers a command with a canned response template and an optional
// validation rule. Commands containing the `{value}` (or raw `(.+)`)
// placeholder become pattern entries matched against the full command text.
// Re-adding a key overwrites the entry but keeps its original position.
func (r *Registry) Add(command, response string, rule *Rule) error {
	key := strings.ToUpper(strings.TrimSpace(command))
	if key == "" {
		return fmt.Errorf("empty command")
	}
	key = strings.ReplaceAll(key, strings.ToUpper(valuePlaceholder), capturePlaceholder)

	entry := &Entry{Key: key, Template: strings.TrimSpace(response), Rule: rule}
	if strings.Contains(key, capturePlaceholder) {
		re, err := regexp.Compile("^(?:" + key + ")$")
		if err != nil {
			return fmt.Errorf("command %q: %v", key, err)
		}
		entry.Pattern = re
	}
	r.put(entry)
	return nil
}

func (r *Registry) put(entry *Entry) {
	if _, exists := r.entries[entry.Key]; !exists {
		r.order = append(r.order, entry.Key)
	}
	r.entries[entry.Key] = entry
}

func (r *Registry) addBuiltin(key string, fn func(inst *Instrument) string) {
	r.put(&Entry{Key: key, Builtin: fn})
}

func (r *Registry) lookup(key string) (*Entry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// match scans pattern entries in registration order and returns the first
// entry whose anchored pattern fully matches the command, along with its
// captured arguments.
func (r *Registry) match(command string) (*Entry, []string, bool) {
	for _, key := range r.order {
		e := r.entries[key]
		if !e.isPattern() {
			continue
		}
		if m := e.Pattern.FindStringSubmatch(command); m != nil {
			return e, m[1:], true
		}
	}
	return nil, nil, false
}

// builtinKey reports whether a key belongs to the non-configurable command
// set, which is excluded from stateful linking.
func builtinKey(key string) bool {
	return strings.HasPrefix(key, "*") || strings.HasPrefix(key, "SYST:")
}

// LinkStatefulCommands pairs SET patterns with QUERY literals sharing a base
// name and rebinds both to a live register. The query's pre-link response is
// captured as the pair's default exactly once; relinking an already linked
// registry keeps the original default and never double-wraps an entry.
func (r *Registry) LinkStatefulCommands() {
	type group struct {
		set   *Entry
		query *Entry
	}
	groups := map[string]*group{}
	grp := func(base string) *group {
		g, ok := groups[base]
		if !ok {
			g = &group{}
			groups[base] = g
		}
		return g
	}

	for _, key := range r.order {
		e := r.entries[key]
		if builtinKey(key) || e.Builtin != nil {
			continue
		}
		switch {
		case e.isPattern() && strings.HasSuffix(key, capturePlaceholder):
			base := strings.TrimSpace(strings.TrimSuffix(key, capturePlaceholder))
			grp(base).set = e
		case !e.isPattern() && strings.HasSuffix(key, "?"):
			grp(strings.TrimSuffix(key, "?")).query = e
		}
	}

	for base, g := range groups {
		if g.set == nil || g.query == nil {
			continue
		}
		def, captured := r.defaults[base]
		if !captured {
			if g.query.Stateful != nil {
				def = g.query.Stateful.Default
			} else {
				def = g.query.Template
			}
			r.defaults[base] = def
		}

		r.entries[g.set.Key] = &Entry{
			Key:      g.set.Key,
			Rule:     g.set.Rule,
			Pattern:  g.set.Pattern,
			Stateful: &Stateful{Base: base, Set: true},
		}
		r.entries[g.query.Key] = &Entry{
			Key:      g.query.Key,
			Stateful: &Stateful{Base: base, Default: def},
		}
	}
}

// expand substitutes positional captures into a response template. Both the
// `{value}` shorthand and numbered `{paramN}` placeholders refer to capture
// groups, 1-based.
func expand(template string, args []string) string {
	out := template
	for i, arg := range args {
		out = strings.ReplaceAll(out, "{param"+strconv.Itoa(i+1)+"}", arg)
		out = strings.ReplaceAll(out, valuePlaceholder, arg)
	}
	return out
}
