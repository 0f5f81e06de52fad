// Package views holds the few HTML pages the API serves.
package views

import "github.com/open-sspm/open-connect/internal/handshake"

//go:generate go run github.com/a-h/templ/cmd/templ@v0.3.977 generate

// callbackMessageID is the id of the JSON script element the page script
// reads the message from.
const callbackMessageID = "callback-message"

func callbackTitle(msg handshake.Message) string {
	if msg.Error != "" {
		return "Connection failed"
	}
	return "Connected"
}

func callbackDetail(msg handshake.Message) string {
	if msg.Error == "" {
		return "You can close this window."
	}
	if msg.ErrorDescription != "" {
		return msg.Error + ": " + msg.ErrorDescription
	}
	return msg.Error
}
