package command

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize приводит текст к форме для сопоставления команд:
// без диакритики, в нижнем регистре, без пробельных символов.
// "/Notícias Política" -> "/noticiaspolitica".
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, stripMarks(s))
}

// stripMarks раскладывает символы (NFD) и выбрасывает комбинируемые знаки.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// keywordForm - форма для поиска ключевых слов в ответах: без диакритики, верхний регистр.
func keywordForm(s string) string {
	return strings.ToUpper(stripMarks(s))
}
