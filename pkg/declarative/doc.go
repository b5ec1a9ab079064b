// Package declarative turns declarative resource text into typed resources
// and provides the canonical value model shared by every comparison in grcsync.
//
// # Block syntax
//
// Resources are written as blocks:
//
//	control "access-review" {
//	  control_id = "AC-2"
//	  title      = "Quarterly access review"
//	  status     = "published"
//	  tags       = ["iam", "sox"]
//	}
//
// The form `resource "control" "access-review" { ... }` is accepted as well.
// The parser is deliberately lenient: top-level text that does not look like a
// resource block is skipped, and nested brace groups inside a block are
// tolerated and ignored. Only an unterminated string or a block whose braces
// never close is reported as a *ParseError.
//
// # Value model
//
// Attribute values are one of string, float64, bool, or []interface{} of those
// scalars. Normalize maps decoded data (ints, json.Number, typed slices) into
// the same space so that ComputeHash and ValuesEqual are stable regardless of
// where a value came from.
package declarative
