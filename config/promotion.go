package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PromotionRule changes a member's roles once their identity count reaches AtCount.
type PromotionRule struct {
	AtCount int      `yaml:"at_count"`
	Add     []string `yaml:"add"`
	Remove  []string `yaml:"remove"`
}

type promotionFile struct {
	Rules []PromotionRule `yaml:"rules"`
}

// LoadPromotionRules reads rules from a YAML file such as:
//
//	rules:
//	  - at_count: 5
//	    add: [Corporal]
//	    remove: [Private]
//
// An empty path or a missing file means no rules. Rules come back sorted by AtCount.
func LoadPromotionRules(path string) ([]PromotionRule, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read promotion rules: %w", err)
	}

	var file promotionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse promotion rules: %w", err)
	}

	seen := make(map[int]bool, len(file.Rules))
	for _, r := range file.Rules {
		if r.AtCount <= 0 {
			return nil, fmt.Errorf("promotion rule at_count must be positive, got %d", r.AtCount)
		}
		if seen[r.AtCount] {
			return nil, fmt.Errorf("duplicate promotion rule for at_count %d", r.AtCount)
		}
		if len(r.Add) == 0 && len(r.Remove) == 0 {
			return nil, fmt.Errorf("promotion rule at_count %d changes no roles", r.AtCount)
		}
		seen[r.AtCount] = true
	}

	sort.Slice(file.Rules, func(i, j int) bool { return file.Rules[i].AtCount < file.Rules[j].AtCount })
	return file.Rules, nil
}
