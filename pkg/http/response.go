package http

import (
	"encoding/json"
	"net/http"
)

// Envelope is the JSON body for API-side responses produced locally.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteFail writes a client-error envelope.
func WriteFail(w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, Envelope{Status: "fail", Message: message, Data: data})
}

// WriteError writes a server-error envelope.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, Envelope{Status: "error", Message: message})
}
