package ratelimit

import (
	"fmt"
	"strings"
)

const DefaultScope = "default"

// Key identifies one rate-limit log: who is calling and which action.
type Key struct {
	Subject string
	Scope   string
}

func (k Key) scope() string {
	if s := strings.TrimSpace(k.Scope); s != "" {
		return s
	}
	return DefaultScope
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Subject) == "" {
		return &ConfigError{Field: "subject", Message: "subject identity is required", Cause: ErrMissingSubject}
	}
	return nil
}

func (k Key) String() string {
	return k.scope() + ":" + k.Subject
}

// ZKey builds the storage key for k: prefix:scope:subject.
func ZKey(prefix string, k Key) string {
	if prefix == "" {
		return k.String()
	}
	return fmt.Sprintf("%s:%s", prefix, k.String())
}
