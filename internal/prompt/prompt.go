// Package prompt assembles executor prompts from template files, task-group
// context, and the user's input. Assembly is deterministic: the same inputs
// always produce the same prompt, and the caller gets the individual
// sections back for logging alongside the joined text.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MandatoryRules is injected verbatim at the top of every prompt.
const MandatoryRules = `Mandatory Rules:
- Never use omission markers: no ellipses, no "remaining omitted", no "etc.", no "ditto".
- Leave no TODO, FIXME, or TBD remnants in any output.
- Never emit unbalanced constructs: every opened bracket, quote, or block is closed.
- Evidence is required before claiming completion: enumerate the paths of every changed file.
- Never declare work "completed" or "over with" as an early-termination phrase.
- When uncertain, fail closed: stop and ask instead of guessing.`

const modificationTemplate = `The previous attempt was rejected during review.

Detected issues:
{{detected_issues}}

Original task:
{{original_task}}

Address every detected issue and deliver the corrected result in full.`

// Template carries the optional injections of an active prompt template.
type Template struct {
	Rules        string
	OutputFormat string
}

// LastResult summarises the previous task in the group.
type LastResult struct {
	Status        string
	Output        string
	FilesModified []string
	Error         string
}

// ConversationEntry is one prior exchange in the group's history.
type ConversationEntry struct {
	Role string
	Text string
}

// GroupContext is what the worker knows about the task's group when it asks
// for a prompt.
type GroupContext struct {
	GroupID      string
	WorkingFiles []string
	LastResult   *LastResult
	History      []ConversationEntry
}

// Modification is the retry-path addendum after a review rejection.
type Modification struct {
	DetectedIssues []string
	OriginalTask   string
}

// Sections are the ordered pieces of one assembled prompt. Empty sections
// are dropped from the joined text but preserved here for logging.
type Sections struct {
	GlobalPrelude        string `json:"global_prelude"`
	TemplateRules        string `json:"template_rules,omitempty"`
	ProjectPrelude       string `json:"project_prelude,omitempty"`
	GroupPrelude         string `json:"group_prelude,omitempty"`
	ModificationPrompt   string `json:"modification_prompt,omitempty"`
	UserInput            string `json:"user_input"`
	TemplateOutputFormat string `json:"template_output_format,omitempty"`
	OutputEpilogue       string `json:"output_epilogue,omitempty"`
}

// Assembled is the joined prompt plus its sections.
type Assembled struct {
	Prompt   string
	Sections Sections
}

// Assembler builds prompts for one project. TemplateDir may be empty; the
// optional prelude and epilogue files are simply absent then. Files are read
// on every call, never cached.
type Assembler struct {
	GlobalPrelude string
	TemplateDir   string
}

const (
	projectPreludeFile = "project-prelude.md"
	outputEpilogueFile = "output-epilogue.md"

	historyWindow  = 5
	historyTrimLen = 100
)

// Assemble produces the prompt for a first attempt.
func (a *Assembler) Assemble(userInput string, ctx GroupContext, tpl *Template) (Assembled, error) {
	return a.assemble(userInput, ctx, tpl, nil)
}

// Reassemble produces the retry-path prompt after a review rejection. All
// sections other than the inserted modification block are identical to what
// Assemble produces for the same inputs.
func (a *Assembler) Reassemble(userInput string, ctx GroupContext, tpl *Template, mod Modification) (Assembled, error) {
	return a.assemble(userInput, ctx, tpl, &mod)
}

func (a *Assembler) assemble(userInput string, ctx GroupContext, tpl *Template, mod *Modification) (Assembled, error) {
	if strings.TrimSpace(userInput) == "" {
		return Assembled{}, fmt.Errorf("user input is required and must be non-empty")
	}

	s := Sections{
		GlobalPrelude:  MandatoryRules,
		ProjectPrelude: a.readTemplateFile(projectPreludeFile),
		GroupPrelude:   renderGroupPrelude(ctx),
		UserInput:      userInput,
		OutputEpilogue: a.readTemplateFile(outputEpilogueFile),
	}
	if a.GlobalPrelude != "" {
		s.GlobalPrelude = MandatoryRules + "\n\n" + a.GlobalPrelude
	}
	if tpl != nil {
		s.TemplateRules = tpl.Rules
		s.TemplateOutputFormat = tpl.OutputFormat
	}
	if mod != nil {
		s.ModificationPrompt = renderModification(*mod)
	}

	pieces := make([]string, 0, 8)
	for _, p := range []string{
		s.GlobalPrelude,
		s.TemplateRules,
		s.ProjectPrelude,
		s.GroupPrelude,
		s.ModificationPrompt,
		s.UserInput,
		s.TemplateOutputFormat,
		s.OutputEpilogue,
	} {
		if p != "" {
			pieces = append(pieces, p)
		}
	}
	return Assembled{Prompt: strings.Join(pieces, "\n\n"), Sections: s}, nil
}

func (a *Assembler) readTemplateFile(name string) string {
	if a.TemplateDir == "" {
		return ""
	}
	b, err := os.ReadFile(filepath.Join(a.TemplateDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(b), "\n")
}

func renderModification(mod Modification) string {
	bullets := make([]string, 0, len(mod.DetectedIssues))
	for _, issue := range mod.DetectedIssues {
		bullets = append(bullets, "- "+issue)
	}
	out := strings.ReplaceAll(modificationTemplate, "{{detected_issues}}", strings.Join(bullets, "\n"))
	return strings.ReplaceAll(out, "{{original_task}}", mod.OriginalTask)
}

func renderGroupPrelude(ctx GroupContext) string {
	if ctx.GroupID == "" && len(ctx.WorkingFiles) == 0 && ctx.LastResult == nil && len(ctx.History) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task group: %s", ctx.GroupID)
	if len(ctx.WorkingFiles) > 0 {
		b.WriteString("\nWorking files:")
		for _, f := range ctx.WorkingFiles {
			b.WriteString("\n- " + f)
		}
	}
	if lr := ctx.LastResult; lr != nil {
		fmt.Fprintf(&b, "\nLast task result (%s): %s", lr.Status, trimTo(lr.Output, historyTrimLen))
		if len(lr.FilesModified) > 0 {
			fmt.Fprintf(&b, "\nFiles modified last time: %s", strings.Join(lr.FilesModified, ", "))
		}
		if lr.Error != "" {
			fmt.Fprintf(&b, "\nLast error: %s", trimTo(lr.Error, historyTrimLen))
		}
	}
	history := ctx.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\nRecent conversation:")
		for _, e := range history {
			fmt.Fprintf(&b, "\n- [%s] %s", e.Role, trimTo(e.Text, historyTrimLen))
		}
	}
	return b.String()
}

func trimTo(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
