package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

var pageMarkerRe = regexp.MustCompile(`^(?:Page\b|第\s*\d+\s*页)`)

// ParsePDF 优先按行结构提取，失败或为空时回退到纯文本提取
func ParsePDF(data []byte) (string, error) {
	r, err := openPDF(data)
	if err != nil {
		return "", err
	}

	text, err := extractByRows(r)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			logger.Debug("PDF 结构化提取失败，回退到纯文本提取", zap.Error(err))
		}
		text, err = extractPlain(r)
		if err != nil {
			return "", err
		}
	}
	return CleanPDFText(text), nil
}

// CleanPDFText 合并空白并去除页眉页脚行
func CleanPDFText(text string) string {
	lines := strings.Split(collapseWhitespace(text), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if pageMarkerRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return collapseWhitespace(strings.Join(kept, "\n"))
}

func openPDF(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("PDF 文件损坏: %v", p)
		}
	}()
	r, err = pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("打开 PDF 失败: %w", err)
	}
	return r, nil
}

func extractByRows(r *pdf.Reader) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = "", fmt.Errorf("按行提取 PDF 失败: %v", p)
		}
	}()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("第 %d 页: %w", i, err)
		}
		for _, row := range rows {
			sb.WriteString(joinWords(row.Content))
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// joinWords 字形间距超过字号 0.2 倍时补空格
func joinWords(words pdf.TextHorizontal) string {
	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			prev := words[i-1]
			if w.X-(prev.X+prev.W) > prev.FontSize*0.2 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(w.S)
	}
	return sb.String()
}

func extractPlain(r *pdf.Reader) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = "", fmt.Errorf("PDF 文本提取失败: %v", p)
		}
	}()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("PDF 文本提取失败: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", errors.New("PDF 中未找到可提取的文本")
	}
	return string(data), nil
}
