package models

import "strings"

var supportedLanguages = map[string]struct{}{
	"C99": {}, "C11": {}, "C17": {}, "C23": {},
	"CPP03": {}, "CPP11": {}, "CPP14": {}, "CPP17": {}, "CPP20": {}, "CPP23": {},
	"JAVA_8": {}, "JAVA_11": {}, "JAVA_17": {},
	"PYTHON2": {}, "PYTHON3": {},
}

// NormalizeLanguage upper-cases the language tag and reports whether the judger supports it.
func NormalizeLanguage(raw string) (string, bool) {
	language := strings.ToUpper(strings.TrimSpace(raw))
	_, ok := supportedLanguages[language]
	return language, ok
}
