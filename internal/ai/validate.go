package ai

import (
	"regexp"
	"strings"

	"github.com/ketches/mindmap-backend/internal/apperr"
)

// DefaultTitle 无一级标题时的默认标题
const DefaultTitle = "Mind Map"

// MindMap 校验后的导图
type MindMap struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

var (
	headingRe    = regexp.MustCompile(`^#{1,6}\s+\S`)
	bulletRe     = regexp.MustCompile(`^\s*[-*]\s+\S`)
	orderedRe    = regexp.MustCompile(`^\s*\d+\.\s+\S`)
	rolePrefixRe = regexp.MustCompile(`(?i)^\s*(?:system|assistant|user|human|developer|ai)\s*[:：]`)
	fenceOnlyRe  = regexp.MustCompile("^\\s*(?:`{3,}|~{3,})")
)

const forbiddenPlain = "<>{}[]()"

// ValidateOutput 按行白名单过滤模型输出，缺少一级标题或内容行时视为无效
func ValidateOutput(raw string) (*MindMap, error) {
	text := stripFenceWrapper(strings.ReplaceAll(raw, "\r\n", "\n"))

	var kept []string
	hasH1, hasContent := false, false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			if len(kept) > 0 && kept[len(kept)-1] != "" {
				kept = append(kept, "")
			}
			continue
		}
		if !allowedLine(line) {
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "# "):
			hasH1 = true
		case strings.HasPrefix(line, "##"),
			strings.HasPrefix(trimmed, "- "),
			strings.HasPrefix(trimmed, "* "):
			hasContent = true
		}
		kept = append(kept, line)
	}

	if !hasH1 || !hasContent {
		return nil, apperr.ErrAIInvalidOutput
	}
	markdown := strings.TrimSpace(strings.Join(kept, "\n"))
	return &MindMap{Title: TitleOf(markdown), Markdown: markdown}, nil
}

func allowedLine(line string) bool {
	if fenceOnlyRe.MatchString(line) {
		return false
	}
	if headingRe.MatchString(line) || bulletRe.MatchString(line) || orderedRe.MatchString(line) {
		return !strings.ContainsAny(line, "<>")
	}
	if strings.ContainsAny(line, forbiddenPlain) {
		return false
	}
	return !rolePrefixRe.MatchString(line)
}

// stripFenceWrapper 去除整体包裹的代码围栏
func stripFenceWrapper(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") && !strings.HasPrefix(s, "~~~") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimRight(s, " \t\n")
	if strings.HasSuffix(s, "```") || strings.HasSuffix(s, "~~~") {
		s = s[:len(s)-3]
	}
	return strings.TrimSpace(s)
}

// TitleOf 取第一个一级标题
func TitleOf(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if strings.HasPrefix(line, "# ") {
			if t := strings.TrimSpace(line[2:]); t != "" {
				return t
			}
		}
	}
	return DefaultTitle
}
