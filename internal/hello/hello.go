// Package hello holds the payloads exchanged by the hello gateway route and
// the hello worker.
package hello

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Request is the payload the gateway sends to a worker.
type Request struct {
	Name string `json:"name"`
}

// Response is the payload a worker answers with.
type Response struct {
	Hello string `json:"hello"`
}

// EncodeRequest returns the wire payload asking a worker to greet name.
func EncodeRequest(name string) ([]byte, error) {
	b, err := json.Marshal(Request{Name: name})
	if err != nil {
		return nil, errors.Wrap(err, "encode hello request")
	}
	return b, nil
}

// Handle answers {"name":N} with {"hello":N}. It matches relay.RequestHandler.
func Handle(_ context.Context, payload []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "decode hello request")
	}

	b, err := json.Marshal(Response{Hello: req.Name})
	if err != nil {
		return nil, errors.Wrap(err, "encode hello response")
	}
	return b, nil
}
