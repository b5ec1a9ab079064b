// Package engine reconciles declarative business records with their live
// counterparts.
//
// # Overview
//
// An apply moves through a fixed sequence of steps, every one of which ends
// with the scope's lock released:
//
//  1. Lock - LockManager grants one live apply per scope
//  2. Parse - declarative.ParseFile turns text into resources
//  3. Detect - ConflictDetector runs the three-way comparison
//  4. Resolve - abort, force or skip conflicted resources
//  5. Apply - each resource goes through its RecordStore, independently
//  6. Record - resource state, apply history and the audit sink are written
//
// Lock conflicts, parse errors and abort-mode conflicts end the apply before
// anything is written. A failing resource never stops the batch; it is
// counted and reported in the ApplyResult.
//
// # Three-way comparison
//
// For every declared field the detector compares the declared value, the
// live value and the last applied value recorded in resource state:
//
//	declared == live             no change
//	live == last applied         update, nothing is lost
//	declared == last applied     warning, a live edit will be overwritten
//	otherwise                    error, both sides changed
//
// Classify is the pure form of this table.
//
// # Drift
//
// DriftDetector compares last applied content with live records over the
// union of their fields, reports tracked resources whose live record is gone,
// and pages through live records to find ones that were never applied. It is
// read-only and takes no lock.
//
// # Record stores
//
// The engine never touches live data directly. Each resource type registers
// a RecordStore in a Registry; package entities provides the SQLite-backed
// stores for controls, frameworks, policies, risks and vendors.
package engine
