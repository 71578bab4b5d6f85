// Package module defines the notification module contracts shared by the
// manifest supplier, the scheduling engine and the state store.
//
// A Definition is immutable for the duration of a scan and carries exactly
// one kind-specific Spec (Standard, Conditional, Dynamic, Hero or
// SettingsUpdate). A State is the persisted, mutable side: one per module ID,
// with the zero value meaning "fresh and pending".
package module
