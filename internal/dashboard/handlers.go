package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

// Handler provides the dashboard's HTTP handlers.
type Handler struct {
	hub        *Hub
	caCertPath string
}

// NewHandler creates a dashboard Handler. caCertPath is served at
// /api/ca/cert so an operator can download the root CA from the browser.
func NewHandler(hub *Hub, caCertPath string) *Handler {
	return &Handler{hub: hub, caCertPath: caCertPath}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades the connection and streams every subsequent
// RequestRecord to it until the client disconnects.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}

	client := NewClient(h.hub, conn)
	h.hub.register <- client

	go client.WritePump()
	client.ReadPump()
}

// HandleGetRecords serves GET /api/records?limit=N for a browser's
// initial backfill.
func (h *Handler) HandleGetRecords(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(h.hub.RecentRecords(limit))
}

// HandleCACert serves the root CA certificate PEM so it can be installed
// as a trust root from a browser.
func (h *Handler) HandleCACert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeFile(w, r, h.caCertPath)
}

// HandleCORS answers CORS preflight requests.
func (h *Handler) HandleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusOK)
}

// RegisterRoutes registers the dashboard's routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/records", h.HandleWebSocket)
	mux.HandleFunc("/api/ca/cert", h.HandleCACert)
	mux.HandleFunc("/api/records", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.HandleCORS(w, r)
			return
		}
		h.HandleGetRecords(w, r)
	})
}
