package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"lotscan/pkg/apierror"
	"lotscan/pkg/validate"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads the request body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()

	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return apierror.BadRequest("invalid request body")
	}
	return nil
}

// decodeValid decodes the body into dst and checks its validate tags.
func decodeValid(r *http.Request, dst interface{}) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// queryInt parses an integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierror.BadRequest(name + " must be an integer")
	}
	return n, nil
}
