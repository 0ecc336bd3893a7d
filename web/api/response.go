package api

import (
	"github.com/rohanthewiz/rweb"
)

// APIResponse provides a consistent JSON response structure for errors and
// auxiliary endpoints. Sync bodies are written bare so clients decode them
// straight into the protocol types.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// writeSuccess sends a successful JSON response with data.
func writeSuccess(ctx rweb.Context, status int, data interface{}) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: true, Data: data})
}

// writeError sends an error JSON response.
func writeError(ctx rweb.Context, status int, message string) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(APIResponse{Success: false, Error: message})
}

// writeBody sends a protocol body as is.
func writeBody(ctx rweb.Context, status int, body interface{}) error {
	ctx.SetStatus(status)
	return ctx.WriteJSON(body)
}

// CurrentUserID returns the user set by the JWT middleware, or "".
func CurrentUserID(ctx rweb.Context) string {
	userID, _ := ctx.Get("user_id").(string)
	return userID
}
