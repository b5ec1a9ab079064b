// Package entities provides the record stores of the built-in GRC record
// kinds: control, framework, policy, risk and vendor.
//
// Every kind lives in the shared records table of a stores.SQLiteStore and
// is described by a field mapping loaded from an embedded YAML manifest.
// Declarative attribute names and values are translated to native column
// names and enum values on write, and back on read:
//
//	control "access-review" {        records.fields
//	  control_id = "AC-2"      <->   ref_id  = "AC-2"
//	  title      = "Review"    <->   name    = "Review"
//	  status     = "draft"     <->   status  = "DRAFT"
//	}
//
// Attributes without a mapping pass through unchanged. A declarative enum
// value outside the table fails the resource with an *EnumError.
package entities
