package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBodyPath = "word/document.xml"

// maxDocxBodySize 正文解压后的上限
var maxDocxBodySize int64 = 32 << 20

var errDocxTooLarge = errors.New("docx 正文解压后过大")

// ParseDocx 按文档顺序提取段落与表格，单元格以 " | " 连接
func ParseDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("打开 docx 失败: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBodyPath {
			body = f
			break
		}
	}
	if body == nil {
		return "", errors.New("docx 缺少 " + docxBodyPath)
	}

	if body.UncompressedSize64 > uint64(maxDocxBodySize) {
		return "", errDocxTooLarge
	}

	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("读取 %s 失败: %w", docxBodyPath, err)
	}
	defer rc.Close()

	lr := &io.LimitedReader{R: rc, N: maxDocxBodySize + 1}
	text, err := extractDocxText(lr)
	if lr.N <= 0 {
		return "", errDocxTooLarge
	}
	return text, err
}

// docxWalker 维护表格嵌套状态
type docxWalker struct {
	out   []string
	para  strings.Builder
	cell  []string
	row   []string
	depth int
}

func extractDocxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	w := &docxWalker{}
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("解析 docx XML 失败: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				w.depth++
			case "tr":
				w.row = w.row[:0]
			case "tc":
				w.cell = w.cell[:0]
			case "t":
				inText = true
			case "tab":
				w.para.WriteByte('\t')
			case "br", "cr":
				w.para.WriteByte(' ')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				w.endParagraph()
			case "tc":
				w.row = append(w.row, strings.Join(w.cell, " "))
				w.cell = w.cell[:0]
			case "tr":
				if line := joinCells(w.row); line != "" {
					w.out = append(w.out, line)
				}
				w.row = w.row[:0]
			case "tbl":
				if w.depth > 0 {
					w.depth--
				}
			}
		case xml.CharData:
			if inText {
				w.para.Write(t)
			}
		}
	}

	return strings.TrimSpace(strings.Join(w.out, "\n")), nil
}

func (w *docxWalker) endParagraph() {
	text := strings.TrimSpace(w.para.String())
	w.para.Reset()
	if text == "" {
		return
	}
	if w.depth > 0 {
		w.cell = append(w.cell, text)
		return
	}
	w.out = append(w.out, text)
}

func joinCells(cells []string) string {
	nonEmpty := false
	for _, c := range cells {
		if c != "" {
			nonEmpty = true
			break
		}
	}
	if !nonEmpty {
		return ""
	}
	return strings.Join(cells, " | ")
}
