package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block
	// the resource.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the resource from being written.
	SeverityError Severity = "error"
)

// Blocks reports whether a violation of this severity rejects the resource.
func (s Severity) Blocks() bool {
	return s == SeverityError
}

// Policy represents an admission rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego module. Its deny set is the policy result.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations that do not carry
	// their own.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ResourceTypes limits the policy to some resource types. Empty means
	// every type.
	ResourceTypes []string `json:"resource_types,omitempty" yaml:"resource_types,omitempty"`

	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`

	LoadedAt time.Time `json:"loaded_at" yaml:"-"`
}

// Applies reports whether the policy covers resourceType.
func (p *Policy) Applies(resourceType string) bool {
	if len(p.ResourceTypes) == 0 {
		return true
	}
	for _, t := range p.ResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Violation is one deny result of a policy.
type Violation struct {
	Policy       string   `json:"policy"`
	ResourceType string   `json:"resource_type"`
	BusinessID   string   `json:"business_id,omitempty"`
	Field        string   `json:"field,omitempty"`
	Message      string   `json:"message"`
	Severity     Severity `json:"severity"`
}

// Result is the outcome of evaluating every applicable policy against one
// resource.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Resource ResourceInput `json:"resource"`
	Context  InputContext  `json:"context"`
}

// ResourceInput is the resource under evaluation.
type ResourceInput struct {
	Type       string                 `json:"type"`
	BusinessID string                 `json:"business_id,omitempty"`
	Attributes map[string]interface{} `json:"attributes"`
}

// InputContext carries the scope of the apply.
type InputContext struct {
	OrgID     string    `json:"org_id"`
	Workspace string    `json:"workspace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeniedError is returned by Engine.Validate when a resource is rejected.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return "policy denied: " + strings.Join(msgs, "; ")
}
