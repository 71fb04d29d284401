package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyContent is returned for content that is empty after trimming.
var ErrEmptyContent = errors.New("message content is empty")

// NormalizeContent trims surrounding whitespace and checks that a message
// body meets content requirements. It returns the trimmed content.
func NormalizeContent(text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return "", ErrEmptyContent
	}
	if len(text) > MaxMessageBytes {
		return "", fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return text, nil
}
