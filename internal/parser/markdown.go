package parser

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// ParseMarkdown 保留标题层级、列表、编号和引用，去除强调/链接等行内格式，丢弃代码块
func ParseMarkdown(src []byte) (string, error) {
	doc := md.Parser().Parse(text.NewReader(src))

	var lines []string
	renderBlocks(doc, src, 0, &lines)
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}

func renderBlocks(parent ast.Node, src []byte, depth int, lines *[]string) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			*lines = append(*lines, strings.Repeat("#", node.Level)+" "+inlineText(node, src))
		case *ast.List:
			renderList(node, src, depth, lines)
		case *ast.Blockquote:
			var inner []string
			renderBlocks(node, src, depth, &inner)
			for _, l := range inner {
				*lines = append(*lines, "> "+l)
			}
		case *ast.Paragraph, *ast.TextBlock:
			if t := inlineText(node, src); t != "" {
				*lines = append(*lines, t)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.ThematicBreak:
			// 丢弃
		default:
			renderBlocks(node, src, depth, lines)
		}
	}
}

func renderList(list *ast.List, src []byte, depth int, lines *[]string) {
	indent := strings.Repeat("  ", depth)
	num := list.Start
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}

		first := true
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			switch child := c.(type) {
			case *ast.List:
				renderList(child, src, depth+1, lines)
			case *ast.Paragraph, *ast.TextBlock:
				t := inlineText(child, src)
				if first {
					*lines = append(*lines, indent+marker+t)
					first = false
				} else if t != "" {
					*lines = append(*lines, indent+"  "+t)
				}
			case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			default:
				var inner []string
				renderBlocks(child, src, depth+1, &inner)
				*lines = append(*lines, inner...)
			}
		}
		if first {
			*lines = append(*lines, indent+strings.TrimSpace(marker))
		}
	}
}

// inlineText 提取行内纯文本
func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	var walk func(ast.Node)
	walk = func(parent ast.Node) {
		for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
			switch node := c.(type) {
			case *ast.Text:
				sb.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte(' ')
				}
			case *ast.String:
				sb.Write(node.Value)
			case *ast.AutoLink:
				sb.Write(node.Label(src))
			case *ast.RawHTML:
			default:
				walk(node)
			}
		}
	}
	walk(n)
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(sb.String(), " "))
}
