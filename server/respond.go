package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"escrowd/faults"
	"escrowd/store"
)

// apiError is the uniform failure envelope.
type apiError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	if errors.Is(err, store.ErrNotFound) {
		kind = faults.NotFound
	}
	status := faults.HTTPStatus(kind)
	message := faults.Message(err)
	if message == "" {
		message = err.Error()
	}
	writeJSON(w, status, apiError{StatusCode: status, Message: message})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return faults.New(faults.InvalidArgument, "malformed request body: %v", err)
	}
	return nil
}
