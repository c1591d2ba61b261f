package gateway

import (
	"strings"

	"forgeloop/internal/ai"
)

// Role names are closed-set for the orchestrator's agent trio, but the
// gateway accepts arbitrary role strings and routes unknowns by substring.
const (
	RolePlanner = "planner"
	RoleBuilder = "builder"
	RoleFixer   = "fixer"
)

// supervisoryRoles map to the polling bot provider.
var supervisoryRoles = map[string]bool{
	"planner":  true,
	"frontend": true,
	"backend":  true,
	"devops":   true,
	"qa":       true,
	"android":  true,
	"ios":      true,
}

// executionRoles map to the chat-completions provider.
var executionRoles = map[string]bool{
	"builder":   true,
	"installer": true,
	"fixer":     true,
	"coder":     true,
	"executor":  true,
}

// substringRoute is one row of the fallback routing table. Order matters:
// first match wins.
type substringRoute struct {
	markers  []string
	provider ai.Provider
}

var substringRoutes = []substringRoute{
	{[]string{"plan", "architect"}, ai.ProviderBot},
	{[]string{"front"}, ai.ProviderBot},
	{[]string{"back"}, ai.ProviderBot},
	{[]string{"devops", "deploy"}, ai.ProviderBot},
	{[]string{"qa", "test", "quality"}, ai.ProviderBot},
	{[]string{"android", "mobile"}, ai.ProviderBot},
	{[]string{"ios", "apple", "swift"}, ai.ProviderBot},
	{[]string{"build", "code", "install", "fix"}, ai.ProviderChat},
}

// ProviderForRole resolves which provider serves a role.
func ProviderForRole(role string) ai.Provider {
	normalized := strings.ToLower(strings.TrimSpace(role))
	if supervisoryRoles[normalized] {
		return ai.ProviderBot
	}
	if executionRoles[normalized] {
		return ai.ProviderChat
	}
	for _, row := range substringRoutes {
		for _, marker := range row.markers {
			if strings.Contains(normalized, marker) {
				return row.provider
			}
		}
	}
	return ai.ProviderChat
}

// isExecutionRole reports whether the role receives the approved-plan
// prompt composition.
func isExecutionRole(role string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "builder", "coder", "executor":
		return true
	}
	return false
}

// Intent is the closed-set prompt classification used only by adaptive
// routing.
type Intent string

const (
	IntentScaffold Intent = "SCAFFOLD"
	IntentCRUD     Intent = "CRUD"
	IntentStatic   Intent = "STATIC"
	IntentRefactor Intent = "REFACTOR"
	IntentGeneral  Intent = "GENERAL"
)

type intentRule struct {
	markers []string
	intent  Intent
}

// intentRules is ordered; classification is first-match.
var intentRules = []intentRule{
	{[]string{"scaffold", "boilerplate", "setup", "new project"}, IntentScaffold},
	{[]string{"crud", "form", "api", "list"}, IntentCRUD},
	{[]string{"static", "landing", "html only"}, IntentStatic},
	{[]string{"refactor", "optimize", "migration"}, IntentRefactor},
}

// DetectIntent classifies a prompt into exactly one intent.
func DetectIntent(prompt string) Intent {
	lowered := strings.ToLower(prompt)
	for _, rule := range intentRules {
		for _, marker := range rule.markers {
			if strings.Contains(lowered, marker) {
				return rule.intent
			}
		}
	}
	return IntentGeneral
}
