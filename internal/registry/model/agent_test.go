package model_test

import (
	"strings"
	"testing"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "weather-agent", false},
		{"dotted", "acme.forecast.v2", false},
		{"min length", "abc", false},
		{"max length", strings.Repeat("a", 64), false},
		{"too short", "ab", true},
		{"too long", strings.Repeat("a", 65), true},
		{"uppercase", "Weather", true},
		{"leading dash", "-agent", true},
		{"trailing dot", "agent.", true},
		{"spaces", "my agent", true},
		{"reserved ans", "ans.core", true},
		{"reserved system", "system.scheduler", true},
		{"reserved registry", "registry.mirror", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMetadata_sizeBound(t *testing.T) {
	small := model.AgentMetadata{Description: "fetches forecasts"}
	if err := model.ValidateMetadata(small); err != nil {
		t.Fatalf("small metadata rejected: %v", err)
	}

	big := model.AgentMetadata{Description: strings.Repeat("x", model.MetadataMaxBytes+1)}
	if err := model.ValidateMetadata(big); err == nil {
		t.Error("oversized metadata accepted")
	}
}

func TestAgentStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to model.AgentStatus
		want     bool
	}{
		{model.AgentStatusActive, model.AgentStatusSuspended, true},
		{model.AgentStatusActive, model.AgentStatusRevoked, true},
		{model.AgentStatusActive, model.AgentStatusDeprecated, true},
		{model.AgentStatusSuspended, model.AgentStatusActive, true},
		{model.AgentStatusDeprecated, model.AgentStatusRevoked, true},
		// Revoked is terminal.
		{model.AgentStatusRevoked, model.AgentStatusActive, false},
		{model.AgentStatusRevoked, model.AgentStatusSuspended, false},
		// Self-transitions are rejected.
		{model.AgentStatusActive, model.AgentStatusActive, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHasReservedPrefix(t *testing.T) {
	if !model.HasReservedPrefix("system.scheduler") {
		t.Error("system.scheduler should be reserved")
	}
	if model.HasReservedPrefix("weather-agent") {
		t.Error("weather-agent should not be reserved")
	}
}
