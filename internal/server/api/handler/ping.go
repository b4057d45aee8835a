package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbuart/apitypes"
	"github.com/Alia5/usbuart/internal/server/api"
)

// Ping returns a handler that identifies the server.
func Ping(version string) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		payload, err := json.Marshal(apitypes.PingResponse{Server: "usbuart", Version: version})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
