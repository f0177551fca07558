package storage

import (
	"fmt"
	"net/url"
	"strings"
)

// Схемы, которые FTS принимает для storage endpoints.
var allowedSchemes = map[string]bool{
	"root":  true,
	"http":  true,
	"https": true,
	"davs":  true,
}

// ValidateEndpointURL проверяет URL storage endpoint: допустимая схема,
// есть host, нет query и fragment, path задан и заканчивается на "/",
// для root:// path начинается с "//".
func ValidateEndpointURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("некорректный URL %q: %w", raw, err)
	}
	if !allowedSchemes[u.Scheme] {
		return nil, fmt.Errorf("схема %q не поддерживается (root, http, https, davs)", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("в URL %q не указан host", raw)
	}
	if u.RawQuery != "" || u.ForceQuery {
		return nil, fmt.Errorf("query в URL endpoint %q не поддерживается", raw)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return nil, fmt.Errorf("fragment в URL endpoint %q не поддерживается", raw)
	}
	if u.Path == "" {
		return nil, fmt.Errorf("в URL endpoint %q не задан path", raw)
	}
	if u.Scheme == "root" && !strings.HasPrefix(u.Path, "//") {
		return nil, fmt.Errorf("path endpoint %q должен начинаться с '//'", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		return nil, fmt.Errorf("path endpoint %q должен заканчиваться на '/'", raw)
	}
	return u, nil
}
