package tgui

import "strings"

// Data formats inline callback data as "code:payload" and enforces
// Telegram's size limit.
func Data(code, payload string) (string, error) {
	d := strings.TrimSpace(code) + ":" + payload
	if len(d) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return d, nil
}

// Split is the inverse of Data. Both parts must be non-empty.
func Split(data string) (code, payload string, ok bool) {
	code, payload, ok = strings.Cut(strings.TrimSpace(data), ":")
	if !ok || code == "" || payload == "" {
		return "", "", false
	}
	return code, payload, true
}
