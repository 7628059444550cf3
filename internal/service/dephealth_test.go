// dephealth_test.go — unit-тесты конфигурации мониторинга зависимостей.
package service

import (
	"testing"
)

// TestHealthPath проверяет выбор пути проверки по URL зависимости.
func TestHealthPath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "JWKS endpoint Keycloak",
			input:    "https://keycloak.local/realms/gosign/protocol/openid-connect/certs",
			expected: "/realms/gosign/protocol/openid-connect/certs",
		},
		{
			name:     "URL без path — /health",
			input:    "http://analysis:8090",
			expected: "/health",
		},
		{
			name:     "некорректный URL — /health",
			input:    "://bad",
			expected: "/health",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthPath(tt.input); got != tt.expected {
				t.Errorf("healthPath(%q) = %q, ожидалось %q", tt.input, got, tt.expected)
			}
		})
	}
}

// TestNewDephealthService_NoDependencies — memory-режим без внешних сервисов.
func TestNewDephealthService_NoDependencies(t *testing.T) {
	_, err := NewDephealthService(DephealthConfig{ServiceID: "signing-module", Group: "gosign"}, testLogger())
	if !IsNoDependencies(err) {
		t.Fatalf("ожидалась errNoDependencies, получено: %v", err)
	}
}
