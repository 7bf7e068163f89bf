package security

import (
	"html"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// maxDescriptionLength は保存する説明文の最大文字数。
	maxDescriptionLength = 1000
	// maxFilenameLength はローカル保存時のファイル名の最大バイト数。
	maxFilenameLength = 200
)

// TextSanitizer はPhotos APIから受け取ったテキストを保存前に無害化する。
type TextSanitizer interface {
	// Description はメディアの説明文からHTMLタグをすべて取り除き、プレーンテキストにする。
	// 同一入力に対して常に同一出力を返す。
	Description(raw string) string

	// Filename はローカルに保存できる安全なファイル名を返す。
	// パス区切りや制御文字を除去し、空になった場合はfallbackを使う。
	Filename(raw, fallback string) string
}

// contentSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので共有する。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はTextSanitizerを生成する。
// 説明文はHTMLとして表示しないため、タグを一切許可しないStrictPolicyを使う。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Description はタグを除去し、エンティティを戻したうえで空白を整える。
func (s *contentSanitizer) Description(raw string) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if runes := []rune(text); len(runes) > maxDescriptionLength {
		text = string(runes[:maxDescriptionLength])
	}
	return text
}

// Filename はraw中のディレクトリ成分を捨て、ファイル名として使えない文字を"_"に置き換える。
func (s *contentSanitizer) Filename(raw, fallback string) string {
	name := strings.ReplaceAll(raw, "\\", "/")
	name = filepath.Base("/" + name)
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimLeft(strings.TrimSpace(name), ".")

	if name == "" || name == "/" {
		name = fallback
	}
	if len(name) > maxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(name[:len(name)-len(ext)], maxFilenameLength-len(ext)) + ext
	}
	return name
}

// truncateUTF8 はsを最大nバイトに切り詰める。マルチバイト文字の途中では切らない。
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
