package runtime

import (
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	loggingpkg "github.com/drblury/momflow/internal/runtime/logging"
)

// DefaultStatusPort serves the status endpoint when StatusPort is unset.
const DefaultStatusPort = 8081

type serviceStatus struct {
	Kind        ServiceKind `json:"kind"`
	Destination string      `json:"destination"`
	Group       string      `json:"group,omitempty"`
	State       string      `json:"state,omitempty"`
	Handled     int64       `json:"handled"`
}

type clientStatus struct {
	ClientID  string          `json:"client_id"`
	Transport string          `json:"transport"`
	Groups    []string        `json:"groups"`
	Listeners []string        `json:"listeners"`
	Services  []serviceStatus `json:"services"`
}

func (c *Client) registerStatusEndpoint() {
	if !c.Conf.StatusEnabled {
		return
	}
	port := c.Conf.StatusPort
	if port == 0 {
		port = DefaultStatusPort
	}
	c.RegisterHTTPHandler(port, "/api/services", http.HandlerFunc(c.handleGetServices))
}

func (c *Client) status() clientStatus {
	st := clientStatus{
		ClientID:  c.Conf.ClientID,
		Transport: c.caps.Name,
		Groups:    c.sessions.Groups(),
		Listeners: []string{},
		Services:  []serviceStatus{},
	}

	c.mu.Lock()
	for _, e := range c.executors {
		st.Listeners = append(st.Listeners, e.Listeners()...)
	}
	c.mu.Unlock()

	for _, info := range c.Services() {
		s := serviceStatus{Kind: info.Kind, Destination: info.Destination, Group: info.Group, Handled: info.Handled}
		if info.Kind != KindFeeder {
			s.State = info.State.String()
		}
		st.Services = append(st.Services, s)
	}
	return st
}

func (c *Client) handleGetServices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if origin := c.allowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := sonic.ConfigStd.NewEncoder(w).Encode(c.status()); err != nil {
		c.Logger.Error("Failed to encode status", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (c *Client) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range c.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
