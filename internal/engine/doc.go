// Package engine decides, per notification module and per scan, whether to
// present now, later, or never again.
//
// Deciding and effecting are split: Evaluate returns a Decision plus a
// provisional State without side effects beyond running condition/content
// scripts; the caller performs the presentation or settings application and
// feeds the result back through RecordOutcome. Scanner ties both halves
// together for one pass over all modules.
//
// All comparisons in one pass use the same `now`, captured once per scan.
package engine
