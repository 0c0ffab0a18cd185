package transcoding

import "errors"

var (
	ErrInvalidTemplate = errors.New("invalid command template")
	ErrInvalidRule     = errors.New("invalid transcoding rule")
	ErrDuplicateRule   = errors.New("duplicate transcoding rule id")
	ErrRuleNotFound    = errors.New("transcoding rule not found")
)
