package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
	"github.com/R3E-Network/silkroad/internal/economy"
	"github.com/R3E-Network/silkroad/internal/httputil"
	"github.com/R3E-Network/silkroad/internal/logging"
	"github.com/R3E-Network/silkroad/internal/session"
)

// handler bundles the HTTP endpoints of the game.
type handler struct {
	manager *session.Manager
	engine  *economy.Engine
	logger  *logging.Logger
	checks  map[string]HealthCheck
	version string
	started time.Time
}

// actionResponse is returned by every state-changing session endpoint.
type actionResponse struct {
	Session trade.Session   `json:"session"`
	Outcome economy.Outcome `json:"outcome"`
}

type sessionResponse struct {
	Session trade.Session `json:"session"`
	Created bool          `json:"created"`
}

func (h *handler) items(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.World().Catalog.Items())
}

func (h *handler) regions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.World().Graph.Regions())
}

func (h *handler) market(w http.ResponseWriter, r *http.Request) {
	stalls, err := h.engine.World().Market(mux.Vars(r)["slug"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stalls)
}

func (h *handler) difficulties(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.World().Difficulties())
}

// controller resolves the caller's controller, writing the error response
// when it cannot.
func (h *handler) controller(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	accountID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return nil, false
	}
	c, err := h.manager.Controller(r.Context(), accountID)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("Failed to load session controller")
		httputil.WriteServiceError(w, r, err)
		return nil, false
	}
	return c, true
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	s, err := c.Session()
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{Session: s})
}

func (h *handler) startSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Difficulty string `json:"difficulty"`
		Reset      bool   `json:"reset"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	d, err := trade.ParseDifficulty(payload.Difficulty)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	if payload.Reset {
		s, err := c.Reset(r.Context(), d)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, sessionResponse{Session: s, Created: true})
		return
	}

	s, created, err := c.NewGame(r.Context(), d)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, sessionResponse{Session: s, Created: created})
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ItemID    string `json:"item_id"`
		UnitPrice int64  `json:"unit_price"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	s, outcome, err := c.Purchase(r.Context(), payload.ItemID, payload.UnitPrice)
	h.respondAction(w, r, s, outcome, err)
}

func (h *handler) travel(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Region string `json:"region"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	s, outcome, err := c.Travel(r.Context(), payload.Region)
	h.respondAction(w, r, s, outcome, err)
}

func (h *handler) payment(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount      int64  `json:"amount"`
		Kind        string `json:"kind"`
		RecipientID string `json:"recipient_id"`
	}
	if !httputil.DecodeJSON(w, r, &payload) {
		return
	}
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	s, outcome, err := c.Pay(r.Context(), payload.Amount, economy.TransferKind(payload.Kind), payload.RecipientID)
	h.respondAction(w, r, s, outcome, err)
}

func (h *handler) respondAction(w http.ResponseWriter, r *http.Request, s trade.Session, outcome economy.Outcome, err error) {
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, actionResponse{Session: s, Outcome: outcome})
}

func (h *handler) talk(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	line, err := c.Talk(r.Context(), name)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"merchant": name, "line": line})
}

func (h *handler) mission(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	if err := c.RequestMission(r.Context(), name); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"merchant": name, "status": "requested"})
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	limit := httputil.QueryInt(r, "limit", session.DefaultEventLogSize)
	httputil.WriteJSON(w, http.StatusOK, c.Events().Recent(limit))
}
