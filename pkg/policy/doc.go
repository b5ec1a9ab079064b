// Package policy provides OPA-based admission rules for declared GRC
// resources.
//
// Each policy is a Rego module whose deny set lists violations for the
// resource in input:
//
//	{
//	  "resource": {"type": "control", "business_id": "AC-2", "attributes": {...}},
//	  "context":  {"org_id": "acme", "workspace": "prod", "timestamp": "..."}
//	}
//
// A deny entry is either a message string or an object with "message",
// "severity" and "field" keys. Error-severity violations reject the resource;
// anything else is reported as a warning.
//
// Engine implements engine.Validator, so a reconciler created with
// engine.WithValidators(policyEngine) checks every resource before it is
// created or updated. A rejected resource fails on its own with a
// *DeniedError; the rest of the apply continues.
//
// # Built-in policies
//
//   - business-id-format: business ids use letters, digits and ._-
//   - ownership: approved and published controls and policies name an owner
//   - review-frequency: published controls declare a frequency (warning)
//   - risk-score-range: risk scores are numbers in 1..25
//   - vendor-contact: high tier vendors name a contact (warning)
//
// # Custom policies
//
// LoadPolicies reads .rego files and YAML or JSON definitions from files and
// directories. A .rego file takes its name from the file name; leading
// comments become the description, and the comment lines
//
//	# severity: warning
//	# resource_types: control, policy
//
// override the defaults. Watch keeps the loaded set in sync with the files
// using fsnotify.
package policy
