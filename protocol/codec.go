package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/errors"
)

// MaxFrameSize bounds a single wire frame.
const MaxFrameSize = 4 << 20

// Parse validates and decodes one frame. Every failure wraps errors.ErrProtocol
// and is classified invalid.
func Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, protocolError("Parse", "empty frame")
	}
	if len(data) > MaxFrameSize {
		return nil, protocolError("Parse", fmt.Sprintf("frame of %d bytes exceeds limit", len(data)))
	}

	if err := defaultSchemas.validate(envelopeSchema, data); err != nil {
		return nil, err
	}

	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, protocolError("Parse", "decode envelope: "+err.Error())
	}

	if err := defaultSchemas.validate(h.Type, data); err != nil {
		return nil, err
	}

	msg := newMessage(h.Type)
	if msg == nil {
		return nil, protocolError("Parse", fmt.Sprintf("unknown message type %q", h.Type))
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, protocolError("Parse", fmt.Sprintf("decode %s: %v", h.Type, err))
	}
	return msg, nil
}

// Encode serializes msg, setting its type and, when unset, its timestamp.
func Encode(msg Message, now time.Time) ([]byte, error) {
	h := msg.header()
	h.Type = msg.Kind()
	if h.Timestamp == 0 {
		h.Timestamp = now.UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "Encode", fmt.Sprintf("marshal %s", h.Type))
	}
	return data, nil
}

// Compatible reports whether a device protocol version can talk to the
// controller's: both must be valid semantic versions with the same major.
// An unparseable device version is a protocol error.
func Compatible(controller, device string) (bool, error) {
	c, d := canonical(controller), canonical(device)
	if !semver.IsValid(c) {
		return false, errors.WrapFatal(fmt.Errorf("%w: controller version %q", errors.ErrInvalidConfig, controller),
			"protocol", "Compatible", "parse controller version")
	}
	if !semver.IsValid(d) {
		return false, protocolError("Compatible", fmt.Sprintf("invalid device version %q", device))
	}
	return semver.Major(c) == semver.Major(d), nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func protocolError(op, msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrProtocol, msg), "protocol", op, "validate frame")
}
