package parser

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText decodes raw bytes trying UTF-8, UTF-8 with BOM, GBK, GB18030,
// and finally Latin-1 (which never fails, replacing nothing since every byte
// maps to a code point). Returns the decoded text and the encoding used.
func DecodeText(data []byte) (string, string) {
	if bytes.HasPrefix(data, utf8BOM) {
		stripped := data[len(utf8BOM):]
		if utf8.Valid(stripped) {
			return string(stripped), "utf-8-sig"
		}
	}

	if utf8.Valid(data) {
		return string(data), "utf-8"
	}

	if s, ok := tryDecode(data, simplifiedchinese.GBK); ok {
		return s, "gbk"
	}
	if s, ok := tryDecode(data, simplifiedchinese.GB18030); ok {
		return s, "gb18030"
	}

	s, _ := tryDecode(data, charmap.ISO8859_1)
	return s, "latin-1"
}

// DecodeWithEncoding decodes using a named encoding from the fallback chain.
// Returns false if the name is unknown or the bytes are invalid for it.
func DecodeWithEncoding(data []byte, name string) (string, bool) {
	switch normalizeEncodingName(name) {
	case "utf-8":
		if bytes.HasPrefix(data, utf8BOM) {
			data = data[len(utf8BOM):]
		}
		if utf8.Valid(data) {
			return string(data), true
		}
		return "", false
	case "gbk", "gb2312":
		return tryDecode(data, simplifiedchinese.GBK)
	case "gb18030":
		return tryDecode(data, simplifiedchinese.GB18030)
	case "latin-1", "iso-8859-1":
		return tryDecode(data, charmap.ISO8859_1)
	default:
		return "", false
	}
}

// tryDecode runs the decoder and treats a replacement rune in the output as
// a decode failure, since x/text decoders substitute rather than error.
func tryDecode(data []byte, enc encoding.Encoding) (string, bool) {
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", false
	}
	s := string(out)
	if strings.ContainsRune(s, utf8.RuneError) && !bytes.Contains(data, []byte(string(utf8.RuneError))) {
		return s, false
	}
	return s, true
}

func normalizeEncodingName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "utf8", "utf-8", "utf-8-sig":
		return "utf-8"
	case "iso8859-1", "iso-8859-1", "latin1", "latin-1":
		return "latin-1"
	}
	return n
}
