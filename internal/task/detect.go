package task

import (
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
)

// Keyword tables for prompt classification. Matching is case-insensitive for
// ASCII; Japanese phrases are matched verbatim. Order matters: destructive
// intent wins over everything, then review, config/CI, implementation,
// light edits, reports, reads. Anything left defaults to READ_INFO — the
// conservative choice, because an unanswerable READ_INFO parks as
// AWAITING_RESPONSE where the user can clarify, while a misclassified
// IMPLEMENTATION would drop its output on failure.

var dangerousKeywords = []string{
	"rm -rf", "force push", "force-push", "push --force", "drop table",
	"drop database", "delete all", "truncate table", "git reset --hard",
	"完全に削除", "全削除", "強制プッシュ",
}

// ProtectedPathPatterns are glob patterns whose mention in a prompt marks
// the task DANGEROUS_OP regardless of verb.
var ProtectedPathPatterns = []string{
	"**/.git/**",
	"**/secrets/**",
	"**/*.pem",
	"**/id_rsa*",
	"/etc/**",
}

var reviewKeywords = []string{
	"review comment", "review feedback", "address the review", "pr feedback",
	"レビュー対応", "レビュー指摘", "指摘対応",
}

var configCIKeywords = []string{
	"ci config", "github actions", "workflow file", "pipeline config",
	".gitlab-ci", "dockerfile", "ci設定", "デプロイ設定",
}

var implementationKeywords = []string{
	"implement", "create", "build", "add feature", "refactor", "write a",
	"develop", "実装", "作成", "追加して", "リファクタ",
}

var lightEditKeywords = []string{
	"typo", "rename", "fix comment", "small fix", "tweak", "adjust",
	"誤字", "タイポ", "名前を変更",
}

var reportKeywords = []string{
	"report", "summarize", "summarise", "summary of", "analysis of",
	"レポート", "まとめて", "要約",
}

var readKeywords = []string{
	"what is", "where is", "how does", "show me", "explain", "describe",
	"list the", "教えて", "とは", "見せて", "説明して", "どこ", "何",
}

// DetectType classifies a prompt into a task type. Ambiguous input defaults
// to READ_INFO.
func DetectType(prompt string) Type {
	p := strings.ToLower(strings.TrimSpace(prompt))
	if p == "" {
		return TypeReadInfo
	}

	if containsAny(p, dangerousKeywords) || mentionsProtectedPath(p) {
		return TypeDangerousOp
	}
	if containsAny(p, reviewKeywords) {
		return TypeReviewResponse
	}
	if containsAny(p, configCIKeywords) {
		return TypeConfigCIChange
	}
	if containsAny(p, lightEditKeywords) {
		return TypeLightEdit
	}
	if containsAny(p, implementationKeywords) {
		return TypeImplementation
	}
	if containsAny(p, reportKeywords) {
		return TypeReport
	}
	if containsAny(p, readKeywords) {
		return TypeReadInfo
	}
	return TypeReadInfo
}

func containsAny(p string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

// mentionsProtectedPath scans whitespace-separated tokens for anything that
// matches a protected glob. Tokens that aren't path-like are skipped cheaply.
func mentionsProtectedPath(p string) bool {
	for _, tok := range strings.Fields(p) {
		tok = strings.Trim(tok, `"'().,:;`)
		if !strings.ContainsRune(tok, '/') {
			continue
		}
		for _, pattern := range ProtectedPathPatterns {
			if ok, err := doublestar.Match(pattern, tok); err == nil && ok {
				return true
			}
		}
	}
	return false
}

var questionSuffixes = []string{
	"?", "？", "ですか", "ますか", "でしょうか", "しますか",
}

var questionLeads = []string{
	"which ", "should i ", "do you want", "would you like", "could you clarify",
	"please confirm", "どちら", "よろしいですか",
}

// HasOutstandingQuestion reports whether an executor response ends by asking
// the user something, which parks the task as AWAITING_RESPONSE instead of
// COMPLETE.
func HasOutstandingQuestion(response string) bool {
	text := strings.TrimRightFunc(response, unicode.IsSpace)
	if text == "" {
		return false
	}
	for _, suf := range questionSuffixes {
		if strings.HasSuffix(text, suf) {
			return true
		}
	}
	// Check the final line for an interrogative lead-in without a closing mark.
	lines := strings.Split(text, "\n")
	last := strings.ToLower(strings.TrimSpace(lines[len(lines)-1]))
	for _, lead := range questionLeads {
		if strings.HasPrefix(last, lead) || strings.Contains(last, lead) {
			return true
		}
	}
	return false
}
