package callback

import "errors"

// Bridge errors, mirroring the sync-caller-facing error taxonomy.
var (
	ErrCallbackSend          = errors.New("callback: request queue full or closed")
	ErrCallbackResponse      = errors.New("callback: context ended before a response arrived")
	ErrCallbackRequest       = errors.New("callback: handler returned an error")
	ErrCallbackConvertList   = errors.New("callback: failed to decode response as an ObjectList")
	ErrCallbackGetPluralName = errors.New("callback: failed to decode response as a plural name")
)
