package parser

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ketches/mindmap-backend/internal/apperr"
	"github.com/ketches/mindmap-backend/internal/logger"
	"go.uber.org/zap"
)

// Kind 文件类型（按扩展名判定）
type Kind string

const (
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindDocx     Kind = "docx"
	KindPDF      Kind = "pdf"
	KindSRT      Kind = "srt"
)

var kindByExt = map[string]Kind{
	".txt":      KindText,
	".md":       KindMarkdown,
	".markdown": KindMarkdown,
	".docx":     KindDocx,
	".pdf":      KindPDF,
	".srt":      KindSRT,
}

// Result 解析结果
type Result struct {
	Kind     Kind   `json:"kind"`
	Text     string `json:"text"`
	Encoding string `json:"encoding,omitempty"`
}

// Ext 规范化扩展名（小写，带点）
func Ext(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// KindOf 根据文件名判定类型
func KindOf(filename string) (Kind, error) {
	kind, ok := kindByExt[Ext(filename)]
	if !ok {
		return "", apperr.ErrUnsupportedFileKind.WithDetails(map[string]interface{}{
			"filename": filename,
		})
	}
	return kind, nil
}

// Parse 将文件内容解析为纯文本
func Parse(filename string, data []byte) (*Result, error) {
	kind, err := KindOf(filename)
	if err != nil {
		return nil, err
	}

	res := &Result{Kind: kind}
	switch kind {
	case KindText:
		res.Text, res.Encoding = DecodeText(data)
		res.Text = normalizeNewlines(res.Text)
	case KindMarkdown:
		var src string
		src, res.Encoding = DecodeText(data)
		res.Text, err = ParseMarkdown([]byte(normalizeNewlines(src)))
	case KindSRT:
		var src string
		src, res.Encoding = DecodeText(data)
		res.Text = ParseSRT(src)
	case KindDocx:
		res.Text, err = ParseDocx(data)
	case KindPDF:
		res.Text, err = ParsePDF(data)
	default:
		return nil, apperr.ErrUnsupportedFileKind
	}
	if err != nil {
		logger.Warn("文件解析失败",
			zap.String("filename", filename),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, fmt.Sprintf("无法解析 %s 文件", kind), err)
	}

	res.Text = strings.TrimSpace(res.Text)
	return res, nil
}

var (
	spaceRunRe  = regexp.MustCompile(`[ \t\f\v\x{00a0}\x{3000}]+`)
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
)

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// collapseWhitespace 合并行内空白、去除行首尾空白、压缩连续空行
func collapseWhitespace(s string) string {
	lines := strings.Split(normalizeNewlines(s), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
	}
	out := strings.Join(lines, "\n")
	return strings.TrimSpace(blankRunsRe.ReplaceAllString(out, "\n\n"))
}
