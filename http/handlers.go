package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"dotracing/apperr"
	"dotracing/game"
	"dotracing/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

var mobileAgent = regexp.MustCompile(`(?i)android|iphone|ipad|ipod|blackberry|iemobile|opera mini|windows phone|mobile`)

// IsMobile reports whether a user agent belongs to a phone or tablet.
func IsMobile(userAgent string) bool {
	return mobileAgent.MatchString(userAgent)
}

// ScoreLister reads the leaderboard of a game.
type ScoreLister interface {
	ListScores(ctx context.Context, gameID string) ([]*game.Score, error)
}

type Handlers struct {
	lobby     *game.Lobby
	scores    ScoreLister
	wsManager *ws.Manager
	staticDir string
}

func NewHandlers(lobby *game.Lobby, scores ScoreLister, wsManager *ws.Manager, staticDir string) *Handlers {
	return &Handlers{
		lobby:     lobby,
		scores:    scores,
		wsManager: wsManager,
		staticDir: staticDir,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindAuth:
		status = http.StatusUnauthorized
	case apperr.KindCapacity:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.Message(err)})
}

// Index serves the desktop board or the mobile controller page.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	page := "index.html"
	if IsMobile(r.UserAgent()) {
		page = "indexmobile.html"
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(h.staticDir, page))
}

func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) GetGame(w http.ResponseWriter, r *http.Request) {
	g, err := h.lobby.FindByID(r.Context(), mux.Vars(r)["gameId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handlers) ListScores(w http.ResponseWriter, r *http.Request) {
	gameID := mux.Vars(r)["gameId"]
	if _, err := h.lobby.FindByID(r.Context(), gameID); err != nil {
		writeError(w, err)
		return
	}

	scores, err := h.scores.ListScores(r.Context(), gameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

// HandleWebSocket upgrades to the event channel. Identity is established
// over the channel with the authenticate event, not here.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade error", "err", err)
		return
	}
	h.wsManager.HandleConnection(conn)
}
