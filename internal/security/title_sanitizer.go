// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TitleSanitizer はリスト・タスクのタイトルからHTMLマークアップを除去する。
// タイトルはクライアントでそのまま描画されるため、保存前にプレーンテキストへ正規化する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxTitleLength はタイトルの最大文字数（ルーン数）。
const MaxTitleLength = 200

// TitleSanitizer はタイトル文字列のサニタイズ機能のインターフェースを定義する。
type TitleSanitizer interface {
	// Sanitize は全てのタグを除去し、前後の空白を取り除いた文字列を返す。
	// エンティティはデコードされた状態で返す。同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// titleSanitizer はTitleSanitizerの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type titleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はTitleSanitizerの新しいインスタンスを生成する。
// script, styleなどは要素ごと、その他のタグはタグのみを除去する。
func NewTitleSanitizer() TitleSanitizer {
	return &titleSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタイトルをプレーンテキストに正規化する。
func (s *titleSanitizer) Sanitize(raw string) string {
	stripped := s.policy.Sanitize(raw)
	// StrictPolicyは & < > などをエスケープして返すため、保存用に元の文字へ戻す
	return strings.TrimSpace(html.UnescapeString(stripped))
}

// TitleTooLong はタイトルが最大文字数を超えている場合にtrueを返す。
func TitleTooLong(title string) bool {
	return utf8.RuneCountInString(title) > MaxTitleLength
}
