package channel

import (
	"io/ioutil"
	"sort"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

// GroupSet resolves group names to their ordered destination lists.
// It is built once from configuration and never mutated afterwards.
type GroupSet struct {
	groups map[string][]Destination
}

func NewGroupSet(groups map[string][]Destination) *GroupSet {
	gs := &GroupSet{
		groups: make(map[string][]Destination, len(groups)),
	}
	for name, dests := range groups {
		ds := make([]Destination, len(dests))
		copy(ds, dests)
		gs.groups[name] = ds
	}
	return gs
}

// Resolve returns the destinations of the named group in configured order,
// or ErrUnknownGroup. Callers must not modify the returned slice.
func (g *GroupSet) Resolve(name string) ([]Destination, error) {
	dests, ok := g.groups[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGroup, "group %q", name)
	}
	return dests, nil
}

// Groups returns the configured group names sorted.
func (g *GroupSet) Groups() []string {
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every destination references a registered channel.
// The server treats a failure as fatal.
func (g *GroupSet) Validate(reg *Registry) error {
	for _, name := range g.Groups() {
		for _, d := range g.groups[name] {
			if _, err := reg.Get(d.Channel); err != nil {
				return errors.Wrapf(err, "group %q destination %q", name, d)
			}
		}
	}
	return nil
}

type groupsFile struct {
	Groups map[string][]string `json:"groups"`
}

// LoadGroupsFile reads group definitions from a YAML file of the form
//
//	groups:
//	  ops:
//	    - "telegram:123456789"
//	    - "smtp:oncall@example.com"
func LoadGroupsFile(path string) (map[string][]Destination, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read groups file")
	}
	return ParseGroups(data)
}

// ParseGroups parses YAML group definitions.
func ParseGroups(data []byte) (map[string][]Destination, error) {
	var f groupsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "failed to parse groups file")
	}
	groups := make(map[string][]Destination, len(f.Groups))
	for name, raw := range f.Groups {
		if name == "" {
			return nil, errors.New("group with empty name")
		}
		dests := make([]Destination, 0, len(raw))
		for _, s := range raw {
			d, err := ParseDestination(s)
			if err != nil {
				return nil, errors.Wrapf(err, "group %q", name)
			}
			dests = append(dests, d)
		}
		groups[name] = dests
	}
	return groups, nil
}
