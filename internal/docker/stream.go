package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/pkg/jsonmessage"
)

// ReadMessages decodes the JSON message stream returned by image build and
// image pull calls, handing every message to onMessage in arrival order.
//
// The stream is consumed synchronously and ends at EOF. A message carrying
// an error terminates the read with that error.
func ReadMessages(r io.Reader, onMessage func(jsonmessage.JSONMessage)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode daemon message stream: %w", err)
		}

		if msg.Error != nil {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}

		if onMessage != nil {
			onMessage(msg)
		}
	}
}

// MessageText returns the human-readable text of a stream message with
// trailing newlines stripped. Build output arrives in Stream; pull progress
// in Status (plus an optional Progress bar, which is dropped).
func MessageText(msg jsonmessage.JSONMessage) string {
	text := msg.Stream
	if text == "" {
		text = msg.Status
		if text != "" && msg.ID != "" {
			text = msg.ID + ": " + text
		}
	}
	return strings.TrimRight(text, "\r\n")
}

// AuxImageID extracts the image ID from a build aux message, which the
// daemon sends as {"aux":{"ID":"sha256:..."}} once the image is committed.
func AuxImageID(msg jsonmessage.JSONMessage) (string, bool) {
	if msg.Aux == nil {
		return "", false
	}
	var result struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(*msg.Aux, &result); err != nil || result.ID == "" {
		return "", false
	}
	return result.ID, true
}
