package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/bey-transport/pkg/domain"
)

// Bundle is the on-disk representation of a group of policy sets.
//
//	policy_sets:
//	  - id: lan-baseline
//	    default_action: allow
//	    rules:
//	      - name: block-quarantined
//	        priority: 100
//	        action: deny
//	        conditions:
//	          - {field: ip, operator: in, value: ["10.0.0.5"]}
type Bundle struct {
	PolicySets []*Set `yaml:"policy_sets" json:"policy_sets"`
}

// ParseBundle decodes and validates YAML bundle data.
func ParseBundle(data []byte) (*Bundle, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, domain.NewErrorWithCause(domain.CodeInvalidPolicy, "failed to parse policy bundle", err)
	}

	seen := make(map[string]struct{}, len(bundle.PolicySets))
	for i, set := range bundle.PolicySets {
		if set == nil {
			return nil, invalidPolicy(fmt.Sprintf("policy set %d is empty", i))
		}
		if _, dup := seen[set.ID]; dup {
			return nil, invalidPolicy(fmt.Sprintf("duplicate policy set id %q", set.ID))
		}
		seen[set.ID] = struct{}{}
		if err := set.Validate(); err != nil {
			return nil, err
		}
	}
	return &bundle, nil
}

// LoadBundle reads a bundle from a file, or merges every *.yaml/*.yml file of
// a directory in lexical order.
func LoadBundle(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat policy bundle %s: %w", path, err)
	}
	if !info.IsDir() {
		return loadBundleFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle dir %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isBundleFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	merged := &Bundle{}
	seen := make(map[string]string)
	for _, name := range names {
		file := filepath.Join(path, name)
		bundle, err := loadBundleFile(file)
		if err != nil {
			return nil, err
		}
		for _, set := range bundle.PolicySets {
			if prev, dup := seen[set.ID]; dup {
				return nil, invalidPolicy(fmt.Sprintf("policy set id %q defined in %s and %s", set.ID, prev, name))
			}
			seen[set.ID] = name
			merged.PolicySets = append(merged.PolicySets, set)
		}
	}
	return merged, nil
}

func loadBundleFile(path string) (*Bundle, error) {
	// #nosec G304 -- bundle path is configured by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle %s: %w", path, err)
	}
	bundle, err := ParseBundle(data)
	if err != nil {
		return nil, fmt.Errorf("policy bundle %s: %w", path, err)
	}
	return bundle, nil
}

func isBundleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Apply registers every set of b with engine and returns their ids.
func (b *Bundle) Apply(engine *Engine) ([]string, error) {
	ids := make([]string, 0, len(b.PolicySets))
	for _, set := range b.PolicySets {
		if err := engine.RegisterPolicySet(set); err != nil {
			return ids, err
		}
		ids = append(ids, set.ID)
	}
	return ids, nil
}
