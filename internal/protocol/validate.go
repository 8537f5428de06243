package protocol

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxTextBytes  = 4096     // max text content size
	MaxTextChars  = 2000     // max character count
	MaxMediaBytes = 32 << 20 // max inline media payload (post-decode upper bound)
)

// ValidateContent checks that frame content meets size and encoding
// requirements for its media kind. Inline media is bounded by the
// encoded length; text by bytes and characters.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("content is empty")
	}
	if MediaKind(content) != MediaText {
		// Base64 inflates by 4/3; checking the encoded length bounds
		// the decoded payload without decoding twice.
		if len(content) > MaxMediaBytes*4/3 {
			return fmt.Errorf("inline media exceeds %d byte limit", MaxMediaBytes)
		}
		return nil
	}
	if len(content) > MaxTextBytes {
		return fmt.Errorf("content exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return fmt.Errorf("content exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("content contains invalid UTF-8")
	}
	return nil
}
