package apperr

import (
	"encoding/json"
	"log"
	"net/http"
)

// Body is the JSON shape of every error response.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Write renders err as an error response. Wrapped causes are logged, never
// sent.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	if e.Err != nil || e.Status >= http.StatusInternalServerError {
		log.Printf("[error] %s: %v", e.Code, err)
	}
	WriteJSON(w, e.Status, Body{Error: e.Code, Message: e.Message, Details: e.Details})
}
