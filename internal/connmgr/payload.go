package connmgr

import (
	"encoding/base64"
	"fmt"
)

// PayloadFormat selects how command and acknowledgement bytes are rendered in
// logs, traces and events. Commands always go over the air as the raw UTF-8
// bytes of the command text.
type PayloadFormat string

const (
	PayloadBase64 PayloadFormat = "base64"
	PayloadText   PayloadFormat = "text"
)

// ParsePayloadFormat maps a config value to a PayloadFormat. Empty means base64.
func ParsePayloadFormat(name string) (PayloadFormat, error) {
	switch PayloadFormat(name) {
	case PayloadBase64, "":
		return PayloadBase64, nil
	case PayloadText:
		return PayloadText, nil
	default:
		return "", fmt.Errorf("connmgr: unknown payload log format %q", name)
	}
}

// Render returns b as it should appear in diagnostics.
func (f PayloadFormat) Render(b []byte) string {
	if f == PayloadText {
		return string(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}
