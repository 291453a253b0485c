// Package prompt assembles the ordered, sectioned text handed to the
// agent subprocess by the Executor (SPEC_FULL.md §4.6, C6): header,
// persona, resources, memory, conversation history, tool inventory,
// behavioral rules, the request itself, channel guidelines, and selected
// skill documentation. Grounded on internal/skills' markdown-doc model
// (skills here are prompt content, never in-process code, per the
// dropped WASM-runtime non-goal) and internal/store's memory/resource
// tables.
package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stefankubicki/istota/internal/skills"
	"github.com/stefankubicki/istota/internal/store"
)

// Config holds the static content a deployment author supplies: the
// agent's persona text, the standing behavioral rules, the inventory of
// tools the Executor makes available, and per-target delivery
// guidelines the agent should follow when composing its reply.
type Config struct {
	Persona           string
	BehavioralRules   []string
	ToolInventory     []string
	ChannelGuidelines map[store.OutputTarget]string
	AdminUserIDs      map[string]bool
}

// Builder assembles prompts from a task plus the store's resource,
// memory, and conversation history tables, and a skills.Loader's
// currently loaded skill set.
type Builder struct {
	store  *store.Store
	skills *skills.Loader
	config Config
}

func NewBuilder(st *store.Store, skillsLoader *skills.Loader, cfg Config) *Builder {
	return &Builder{store: st, skills: skillsLoader, config: cfg}
}

// Build assembles the full prompt text for a claimed task.
func (b *Builder) Build(ctx context.Context, task store.Task) (string, error) {
	var sb strings.Builder

	writeSection(&sb, "SYSTEM", b.header(task))

	if b.config.Persona != "" {
		writeSection(&sb, "PERSONA", b.config.Persona)
	}

	if resources, err := b.store.ListUserResources(ctx, task.UserID, ""); err == nil && len(resources) > 0 {
		writeSection(&sb, "RESOURCES", formatResources(resources))
	}

	if memories, err := b.store.ListTopMemories(ctx, task.UserID, 20); err == nil && len(memories) > 0 {
		writeSection(&sb, "LONG-TERM MEMORY", formatMemories(memories))
	}

	if task.ConversationToken != "" {
		if channelMemories, err := b.store.ListMemories(ctx, task.UserID, task.ConversationToken); err == nil && len(channelMemories) > 0 {
			writeSection(&sb, "CHANNEL MEMORY", formatMemories(channelMemories))
		}

		if history, err := b.store.ConversationHistory(ctx, task.ConversationToken, 20); err == nil {
			if text := formatHistory(history); text != "" {
				writeSection(&sb, "RECENT CONVERSATION", text)
			}
		}
	}

	if len(b.config.ToolInventory) > 0 {
		writeSection(&sb, "TOOLS AVAILABLE", strings.Join(b.config.ToolInventory, "\n"))
	}

	if len(b.config.BehavioralRules) > 0 {
		writeSection(&sb, "RULES", formatRules(b.config.BehavioralRules))
	}

	writeSection(&sb, "REQUEST", formatRequest(task))

	if guideline, ok := b.config.ChannelGuidelines[deliveryTargetFor(task)]; ok && guideline != "" {
		writeSection(&sb, "CHANNEL GUIDELINES", guideline)
	}

	if b.skills != nil {
		loaded, err := b.skills.LoadAll(ctx)
		if err == nil {
			selected := b.selectSkills(ctx, loaded, task)
			if len(selected) > 0 {
				writeSection(&sb, "SKILLS CHANGELOG", SkillsChangelog(selected))
				writeSection(&sb, "SKILL DOCUMENTATION", formatSkillDocs(selected))
			}
		}
	}

	return sb.String(), nil
}

func (b *Builder) header(task store.Task) string {
	return fmt.Sprintf("task_id=%d user_id=%s source=%s queue=%s created_at=%s",
		task.ID, task.UserID, task.SourceType, task.Queue, task.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
}

func writeSection(sb *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## " + title + "\n")
	sb.WriteString(body)
}

func formatResources(resources []*store.UserResource) string {
	var lines []string
	for _, r := range resources {
		name := r.DisplayName
		if name == "" {
			name = filepath.Base(r.ResourcePath)
		}
		lines = append(lines, fmt.Sprintf("- %s (%s, %s): %s", name, r.ResourceType, r.Permissions, r.ResourcePath))
	}
	return strings.Join(lines, "\n")
}

func formatMemories(memories []store.UserMemory) string {
	var lines []string
	for _, m := range memories {
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Key, m.Value))
	}
	return strings.Join(lines, "\n")
}

// formatHistory excludes scheduled and briefing sources, per
// spec.md §4.6: self-generated maintenance chatter does not belong in
// conversational context.
func formatHistory(messages []store.ConversationMessage) string {
	var lines []string
	for _, m := range messages {
		if m.SourceType == store.SourceScheduled || m.SourceType == store.SourceBriefing {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

func formatRules(rules []string) string {
	var lines []string
	for _, r := range rules {
		lines = append(lines, "- "+r)
	}
	return strings.Join(lines, "\n")
}

func formatRequest(task store.Task) string {
	if task.HasCommand() {
		return task.Command
	}
	var sb strings.Builder
	sb.WriteString(task.Prompt)
	if len(task.Attachments) > 0 {
		sb.WriteString("\n\nAttachments:\n")
		for _, a := range task.Attachments {
			sb.WriteString("- " + a + "\n")
		}
	}
	return sb.String()
}

func deliveryTargetFor(task store.Task) store.OutputTarget {
	if task.OutputTarget != store.OutputInferred {
		return task.OutputTarget
	}
	switch task.SourceType {
	case store.SourceEmail:
		return store.OutputEmail
	default:
		return store.OutputChat
	}
}

func formatSkillDocs(selected []skills.LoadedSkill) string {
	var sb strings.Builder
	for i, s := range selected {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("### %s\n%s\n%s", s.Skill.Name, s.Skill.Description, s.Skill.Instructions))
	}
	return sb.String()
}

// SkillsChangelog computes a short content fingerprint over the selected
// skills' identity and instructions, so the agent (and a human reviewing
// logs) can tell at a glance whether the skill set changed between two
// runs, per SPEC_FULL.md §14's Open Question 3 resolution.
func SkillsChangelog(selected []skills.LoadedSkill) string {
	ids := make([]string, 0, len(selected))
	for _, s := range selected {
		sum := sha256.Sum256([]byte(s.Skill.Instructions))
		ids = append(ids, fmt.Sprintf("%s@%s", s.Skill.Name, hex.EncodeToString(sum[:4])))
	}
	sort.Strings(ids)
	full := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(full[:])[:12]
}
