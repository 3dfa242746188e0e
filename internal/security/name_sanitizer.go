// Package security はユーザー入力の無害化を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameRunes は氏名として保存する最大文字数。
const MaxNameRunes = 100

// NameSanitizer は氏名からHTMLを取り除く。
// 氏名はJSONレスポンスとアクセストークンのクレームにそのまま載るため、保存前に無害化する。
// bluemondayのポリシーはスレッドセーフ。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はタグを一切許可しないポリシーでNameSanitizerを生成する。
// script, styleは中身ごと除去される。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// angleBrackets はエスケープを戻した後に残る山括弧を取り除く。
var angleBrackets = strings.NewReplacer("<", "", ">", "")

// Sanitize はタグを除去し、連続する空白を1つにまとめ、MaxNameRunesで切り詰める。
// bluemondayがエスケープした文字（'や&など）は元に戻す。結果は冪等。
func (s *NameSanitizer) Sanitize(name string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(name))
	cleaned = angleBrackets.Replace(cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if r := []rune(cleaned); len(r) > MaxNameRunes {
		cleaned = strings.TrimSpace(string(r[:MaxNameRunes]))
	}
	return cleaned
}
