package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type candidate struct {
	name string
	enc  encoding.Encoding
}

// GB2312 是 GB18030 的子集，用 GB18030 解码
var candidates = []candidate{
	{"gbk", simplifiedchinese.GBK},
	{"gb2312", simplifiedchinese.GB18030},
	{"big5", traditionalchinese.Big5},
}

// DecodeText 按 UTF-8、GBK、GB2312、Big5 顺序尝试解码，均失败时按 UTF-8 有损解码
func DecodeText(data []byte) (string, string) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}

	for _, c := range candidates {
		out, err := c.enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		if bytes.ContainsRune(out, utf8.RuneError) {
			continue
		}
		return string(out), c.name
	}

	return strings.ToValidUTF8(string(data), "�"), "utf-8-lossy"
}
