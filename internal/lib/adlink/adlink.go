// Package adlink строит ссылку на просмотр рекламы с встроенным токеном.
package adlink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const placeholder = "{token}"

var ErrNoPlaceholder = errors.New("adlink: template has no {token} placeholder")

// Linker подставляет токен в шаблон ссылки рекламного провайдера.
type Linker struct {
	template string
}

// New проверяет шаблон. Шаблон должен быть абсолютным http(s) URL с плейсхолдером {token}.
func New(template string) (*Linker, error) {
	const op = "adlink.New"
	if !strings.Contains(template, placeholder) {
		return nil, fmt.Errorf("%s: %w", op, ErrNoPlaceholder)
	}
	u, err := url.Parse(strings.ReplaceAll(template, placeholder, "x"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s: template must be an absolute http(s) url", op)
	}
	return &Linker{template: template}, nil
}

// Link возвращает ссылку с экранированным токеном.
func (l *Linker) Link(token string) string {
	return strings.ReplaceAll(l.template, placeholder, url.QueryEscape(token))
}
