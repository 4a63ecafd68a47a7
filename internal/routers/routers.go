// Package routers
package routers

import (
	"errors"
	"net/http"

	"relay-api/internal/relay"
	"relay-api/internal/setup"
	"relay-api/internal/shared"
	"relay-api/internal/upstream"
)

// writeRequestError answers with the JSON error envelope. RequestErrors keep
// their status and message, everything else is mapped by the relay taxonomy.
func writeRequestError(c *setup.Context, err error) error {
	c.LogValues.AddError(err)

	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return c.JSON(rerr.StatusCode, shared.NewErrorBody(rerr.StatusCode, "invalid_request", rerr.Err.Error()))
	}
	status := relay.StatusFor(err)
	message := http.StatusText(status)
	var uerr *upstream.UpstreamError
	if errors.As(err, &uerr) {
		message = uerr.Message
	}
	return c.JSON(status, shared.NewErrorBody(status, relay.TypeFor(err), message))
}

// writeForwarded relays a single provider reply verbatim.
func writeForwarded(c *setup.Context, res *upstream.Response) error {
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return c.Blob(res.Status, contentType, res.Body)
}
