package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		businessIDFormatPolicy(),
		ownershipPolicy(),
		reviewFrequencyPolicy(),
		riskScorePolicy(),
		vendorContactPolicy(),
	}
}

// businessIDFormatPolicy keeps business ids usable in URLs and reports.
func businessIDFormatPolicy() Policy {
	return Policy{
		Name:        "business-id-format",
		Description: "Business ids start with a letter or digit and contain only letters, digits, dots, underscores and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package grcsync.policies.identifiers

deny contains violation if {
	id := input.resource.business_id
	id != ""
	not regex.match("^[A-Za-z0-9][A-Za-z0-9._-]*$", id)
	violation := {
		"message": sprintf("business id '%s' contains unsupported characters", [id]),
		"severity": "error",
		"field": concat("", [input.resource.type, "_id"]),
	}
}
`,
	}
}

// ownershipPolicy requires an owner on approved and published documents.
func ownershipPolicy() Policy {
	return Policy{
		Name:          "ownership",
		Description:   "Approved and published controls and policies must name an owner",
		Severity:      SeverityError,
		Enabled:       true,
		ResourceTypes: []string{"control", "policy"},
		Tags:          []string{"accountability"},
		Rego: `package grcsync.policies.ownership

deny contains violation if {
	status := input.resource.attributes.status
	status in {"approved", "published"}
	not has_owner
	violation := {
		"message": sprintf("%s %s is %s but has no owner", [input.resource.type, input.resource.business_id, status]),
		"severity": "error",
		"field": "owner",
	}
}

has_owner if {
	owner := input.resource.attributes.owner
	is_string(owner)
	trim_space(owner) != ""
}
`,
	}
}

// reviewFrequencyPolicy flags published controls without a review cadence.
func reviewFrequencyPolicy() Policy {
	return Policy{
		Name:          "review-frequency",
		Description:   "Published controls should declare a review frequency",
		Severity:      SeverityWarning,
		Enabled:       true,
		ResourceTypes: []string{"control"},
		Tags:          []string{"lifecycle"},
		Rego: `package grcsync.policies.review

deny contains violation if {
	input.resource.attributes.status == "published"
	not input.resource.attributes.frequency
	violation := {
		"message": sprintf("control %s is published without a review frequency", [input.resource.business_id]),
		"severity": "warning",
		"field": "frequency",
	}
}
`,
	}
}

// riskScorePolicy bounds risk scores to a 5x5 matrix.
func riskScorePolicy() Policy {
	return Policy{
		Name:          "risk-score-range",
		Description:   "Risk scores are numbers between 1 and 25",
		Severity:      SeverityError,
		Enabled:       true,
		ResourceTypes: []string{"risk"},
		Tags:          []string{"risk"},
		Rego: `package grcsync.policies.risk_score

deny contains violation if {
	score := input.resource.attributes.score
	not is_number(score)
	violation := {
		"message": sprintf("risk score %v must be a number", [score]),
		"severity": "error",
		"field": "score",
	}
}

deny contains violation if {
	score := input.resource.attributes.score
	is_number(score)
	not in_range(score)
	violation := {
		"message": sprintf("risk score %v is outside 1..25", [score]),
		"severity": "error",
		"field": "score",
	}
}

in_range(score) if {
	score >= 1
	score <= 25
}
`,
	}
}

// vendorContactPolicy flags critical vendors nobody can be reached at.
func vendorContactPolicy() Policy {
	return Policy{
		Name:          "vendor-contact",
		Description:   "High tier vendors should name a contact",
		Severity:      SeverityWarning,
		Enabled:       true,
		ResourceTypes: []string{"vendor"},
		Tags:          []string{"third-party"},
		Rego: `package grcsync.policies.vendor

deny contains violation if {
	input.resource.attributes.tier == "high"
	not input.resource.attributes.contact
	violation := {
		"message": sprintf("vendor %s is high tier without a contact", [input.resource.business_id]),
		"severity": "warning",
		"field": "contact",
	}
}
`,
	}
}
