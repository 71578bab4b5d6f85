// Package tgui holds the Telegram formatting helpers used by the presenter:
// HTML escaping for ParseMode="HTML", rune-safe truncation and the
// platform's size limits.
package tgui
