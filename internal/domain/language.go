package domain

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ResolveLanguage validates an ISO 639-3 code against the x/text language
// table and fills in its English and native names.
func ResolveLanguage(code string) (Language, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) != 3 {
		return Language{}, Validationf("language %q is not an ISO 639-3 code", code)
	}
	base, err := language.ParseBase(code)
	if err != nil || base.ISO3() != code {
		return Language{}, Validationf("unknown language code %q", code)
	}
	tag, err := language.Compose(base)
	if err != nil {
		return Language{}, Validationf("unknown language code %q", code)
	}
	l := Language{
		Code:        code,
		NameEnglish: display.English.Tags().Name(tag),
		NameNative:  display.Self.Name(tag),
	}
	if l.NameEnglish == "" {
		l.NameEnglish = code
	}
	if l.NameNative == "" {
		l.NameNative = l.NameEnglish
	}
	return l, nil
}
