package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// AddProxyRequest registers one egress endpoint with the pool.
type AddProxyRequest struct {
	Endpoint string `json:"endpoint"`
	Protocol string `json:"protocol"`
}

// RemoveProxyRequest removes an endpoint from the pool.
type RemoveProxyRequest struct {
	Endpoint string `json:"endpoint"`
}

// GetProxyPoolSnapshot returns a point-in-time view of the pool.
func GetProxyPoolSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "pool": pool.Snapshot()})
}

// AddProxy registers a new proxy endpoint as Healthy.
func AddProxy(w http.ResponseWriter, r *http.Request) {
	var req AddProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "endpoint is required"})
		return
	}
	protocol := models.ProxyProtocol(req.Protocol)
	if protocol != models.ProtocolHTTP && protocol != models.ProtocolSOCKS5 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "protocol must be http or socks5"})
		return
	}

	pool.AddProxy(req.Endpoint, protocol)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RemoveProxy deletes an endpoint, force-releasing any assignment. Removal
// goes through the lifecycle controller so the evicted identity's record is
// updated along with the pool table.
func RemoveProxy(w http.ResponseWriter, r *http.Request) {
	var req RemoveProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "endpoint is required"})
		return
	}

	evicted := core.RemoveProxy(req.Endpoint)
	resp := map[string]interface{}{"success": true}
	if evicted != nil {
		resp["released_from"] = evicted.String()
	}
	writeJSON(w, http.StatusOK, resp)
}
