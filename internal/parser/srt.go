package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	srtSeqRe   = regexp.MustCompile(`^\d+$`)
	srtTagRe   = regexp.MustCompile(`<[^>]*>`)
	srtStyleRe = regexp.MustCompile(`\{\\[^}]*\}`)
)

const sentenceEnders = "。！？.!?…"

// ParseSRT 提取字幕文本：跳过序号与时间轴行，去除标签，并把断开的句子合并
func ParseSRT(src string) string {
	var out []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, raw := range strings.Split(normalizeNewlines(src), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || srtSeqRe.MatchString(line) || strings.Contains(line, "-->") {
			continue
		}
		line = srtStyleRe.ReplaceAllString(line, "")
		line = strings.TrimSpace(srtTagRe.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}

		if cur.Len() == 0 {
			cur.WriteString(line)
		} else {
			prev := cur.String()
			if endsSentence(prev) {
				flush()
				cur.WriteString(line)
			} else {
				if needsSpace(prev, line) {
					cur.WriteByte(' ')
				}
				cur.WriteString(line)
			}
		}
	}
	flush()
	return strings.Join(out, "\n")
}

func endsSentence(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(sentenceEnders, r)
}

// needsSpace 中日韩文字之间直接拼接，其余以空格分隔
func needsSpace(prev, next string) bool {
	last, _ := utf8.DecodeLastRuneInString(prev)
	first, _ := utf8.DecodeRuneInString(next)
	return !(isCJK(last) && isCJK(first))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.In(r, unicode.P) && r > 0x2FFF
}
