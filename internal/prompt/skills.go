package prompt

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/stefankubicki/istota/internal/skills"
	"github.com/stefankubicki/istota/internal/store"
)

// selectSkills filters the currently loaded skill set down to the ones
// relevant to task, per spec.md §4.6: a skill is selected if it is
// flagged always-include, or if any of its keyword/source-type/
// resource-type/extension predicates match the task, and it is not
// admin-gated for a non-admin user.
func (b *Builder) selectSkills(ctx context.Context, loaded []skills.LoadedSkill, task store.Task) []skills.LoadedSkill {
	isAdmin := b.config.AdminUserIDs[task.UserID]

	var resourceTypes map[string]bool
	if resources, err := b.store.ListUserResources(ctx, task.UserID, ""); err == nil {
		resourceTypes = make(map[string]bool, len(resources))
		for _, r := range resources {
			resourceTypes[r.ResourceType] = true
		}
	}

	var selected []skills.LoadedSkill
	for _, s := range loaded {
		if !s.Eligible {
			continue
		}
		if adminOnly(s) && !isAdmin {
			continue
		}
		if alwaysInclude(s) || matchesTask(s, task, resourceTypes) {
			selected = append(selected, s)
		}
	}
	return selected
}

func adminOnly(s skills.LoadedSkill) bool {
	v, _ := s.Skill.Metadata["admin_only"].(bool)
	return v
}

func alwaysInclude(s skills.LoadedSkill) bool {
	v, _ := s.Skill.Metadata["always"].(bool)
	return v
}

func matchesTask(s skills.LoadedSkill, task store.Task, resourceTypes map[string]bool) bool {
	if matchesKeywords(s, task.Prompt) {
		return true
	}
	if matchesSourceType(s, task.SourceType) {
		return true
	}
	if matchesResourceTypes(s, resourceTypes) {
		return true
	}
	if matchesExtensions(s, task.Attachments) {
		return true
	}
	return false
}

func matchesKeywords(s skills.LoadedSkill, prompt string) bool {
	keywords := metaStrings(s.Skill.Metadata, "keywords")
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(prompt)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func matchesSourceType(s skills.LoadedSkill, sourceType store.SourceType) bool {
	for _, st := range metaStrings(s.Skill.Metadata, "source_types") {
		if store.SourceType(st) == sourceType {
			return true
		}
	}
	return false
}

func matchesResourceTypes(s skills.LoadedSkill, resourceTypes map[string]bool) bool {
	if len(resourceTypes) == 0 {
		return false
	}
	for _, rt := range metaStrings(s.Skill.Metadata, "resource_types") {
		if resourceTypes[rt] {
			return true
		}
	}
	return false
}

func matchesExtensions(s skills.LoadedSkill, attachments []string) bool {
	exts := metaStrings(s.Skill.Metadata, "extensions")
	if len(exts) == 0 {
		return false
	}
	for _, a := range attachments {
		ext := strings.TrimPrefix(filepath.Ext(a), ".")
		for _, want := range exts {
			if strings.EqualFold(ext, want) {
				return true
			}
		}
	}
	return false
}

func metaStrings(meta map[string]any, key string) []string {
	raw, ok := meta[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
