package ai

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxInputChars = 4000
	TruncationMarker     = " [truncated]"
	FilteredMarker       = "[filtered]"

	maxSanitizePasses = 5
)

var (
	tagRe       = regexp.MustCompile(`</?[A-Za-z!?][^<>]*>`)
	fenceLineRe = regexp.MustCompile("(?m)^[ \t]*(?:`{3,}|~{3,}).*$")
	spaceRe     = regexp.MustCompile(`[ \t]+`)
	blankLineRe = regexp.MustCompile(`\n{3,}`)
)

// injectionPatterns 常见提示注入短语（大小写不敏感）
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget|override)\s+(?:all\s+|any\s+)?(?:the\s+|your\s+)?(?:previous|prior|above|earlier|preceding|system)\s+(?:instructions?|prompts?|messages?|rules?|directions?|context)`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
	regexp.MustCompile(`(?i)\bfrom\s+now\s+on\b`),
	regexp.MustCompile(`(?i)\b(?:your\s+new\s+role|your\s+role\s+is|new\s+instructions?)\b`),
	regexp.MustCompile(`(?i)\bact\s+as\b`),
	regexp.MustCompile(`(?i)\bpretend\s+(?:to\s+be|you\s+are)\b`),
	regexp.MustCompile(`(?i)\broleplay\s+as\b`),
	regexp.MustCompile(`(?i)\b(?:system|assistant|user|developer)\s*[:：]`),
	regexp.MustCompile(`(?i)\b(?:respond|reply|answer|output|return|format)\s+(?:only\s+)?(?:in|with|as|using)\s+(?:json|html|xml|yaml|javascript|code|plain\s+text)\b`),
	regexp.MustCompile(`(?i)\b(?:do\s+not|don't|stop)\s+(?:output|generate|produce|create|return)(?:ing)?\s+(?:a\s+|the\s+)?(?:mind\s*map|markdown)`),
	regexp.MustCompile(`(?i)\breveal\s+(?:your\s+|the\s+)?(?:system\s+)?prompt\b`),
	regexp.MustCompile(`(?:忽略|无视|忘记|忘掉)(?:掉)?(?:之前|以上|上面|前面|先前|所有)(?:的)?(?:所有)?(?:指令|指示|提示|规则|要求|内容)`),
	regexp.MustCompile(`你现在是`),
	regexp.MustCompile(`从现在开始`),
	regexp.MustCompile(`(?:扮演|充当)`),
	regexp.MustCompile(`假装(?:你)?是`),
	regexp.MustCompile(`(?:系统|助手|用户)\s*[:：]`),
	regexp.MustCompile(`(?:以|用)\s*(?:JSON|json|HTML|html|XML|xml|代码)\s*(?:格式)?(?:输出|回答|返回)`),
}

// Sanitize 清洗用户输入，可重复执行且结果不变
func Sanitize(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	out := text
	for i := 0; i < maxSanitizePasses; i++ {
		next := sanitizePass(out, maxChars)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func sanitizePass(s string, maxChars int) string {
	s = stripMarkup(s)
	s = redactInjections(s)
	s = normalizeWhitespace(s)
	return truncate(s, maxChars)
}

// stripMarkup 反转义 HTML 实体、去标签、去代码围栏、去控制字符，直到不再变化。
// 每一步只会缩短字符串，因此循环必然结束
func stripMarkup(s string) string {
	for {
		prev := s
		s = html.UnescapeString(s)
		s = tagRe.ReplaceAllString(s, "")
		s = fenceLineRe.ReplaceAllString(s, "")
		s = strings.ReplaceAll(s, "```", "")
		s = strings.ReplaceAll(s, "~~~", "")
		s = stripControl(s)
		if s == prev {
			return s
		}
	}
}

func stripControl(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		case r >= 0x80 && r <= 0x9f:
			return -1
		case r == utf8.RuneError:
			return -1
		}
		return r
	}, s)
}

func redactInjections(s string) string {
	for _, re := range injectionPatterns {
		s = re.ReplaceAllString(s, FilteredMarker)
	}
	return s
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// truncate 截断到 maxChars 个字符（含截断标记）
func truncate(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	keep := maxChars - utf8.RuneCountInString(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:keep]), " \t\n") + TruncationMarker
}
