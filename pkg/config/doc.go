// Package config loads the grcsync configuration file and holds the CUE
// schemas used to admit declared resources.
//
// # Configuration
//
// Load reads a YAML file on top of DefaultConfig and validates it with
// struct tags:
//
//	database:
//	  path: /var/lib/grcsync/grcsync.db
//	locks:
//	  default_ttl: 10m
//	drift:
//	  page_size: 100
//	  max_untracked_scan: 5000
//	policy:
//	  enabled: true
//	  paths: [./policies]
//	  watch: true
//	schemas:
//	  paths: [./schemas]
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// # Schemas
//
// SchemaRegistry keeps one CUE #Schema definition per resource type. The
// built-in schemas cover the control, framework, policy, risk and vendor
// kinds and are open, so undeclared attributes pass. A .cue file named after
// a resource type replaces its schema:
//
//	// vendor.cue
//	#Schema: {
//		vendor_id: #ID
//		contact:   #Email
//		...
//	}
//
// The registry is an engine.Validator; a resource that does not match its
// schema fails with a *SchemaError and is reported as a per-resource apply
// error.
package config
