package httpserver

import (
	"encoding/json"
	"io"
)

// maxBodyBytes caps request bodies. Posted page messages are the largest.
const maxBodyBytes = 64 << 10

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// readBody returns the raw request body, capped at maxBodyBytes.
func readBody(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxBodyBytes))
}
