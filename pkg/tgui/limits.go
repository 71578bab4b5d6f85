package tgui

import "errors"

const (
	// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
	MaxCallbackDataLen = 64
	// MaxMessageLen and MaxCaptionLen count visible characters after
	// entity parsing.
	MaxMessageLen = 4096
	MaxCaptionLen = 1024
)

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
