package server

import (
	"net/http"
	"strings"

	"agentboard/internal/model"
	"agentboard/internal/web"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/board", r.handleBoard)
	mux.HandleFunc("/api/v1/board/stream", r.handleBoardStream)
	mux.HandleFunc("/api/v1/tickets/", r.handleTicketAction)
	mux.HandleFunc("/api/v1/tickets/reorder", r.handleReorder)
	mux.HandleFunc("/api/v1/runs", r.handleRuns)
	mux.HandleFunc("/api/v1/conversations", r.handleConversations)
	mux.HandleFunc("/api/v1/conversations/", r.handleConversationAction)
	web.RegisterUI(mux, web.Assets, web.UIOptions{APIPrefix: "/api"})
}

type boardTicketView struct {
	model.Ticket
	Run *model.AgentRun `json:"run,omitempty"`
}

func (r *Runtime) handleBoard(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	tickets := r.core.Tickets()
	views := make([]boardTicketView, 0, len(tickets))
	for _, ticket := range tickets {
		view := boardTicketView{Ticket: ticket}
		if run, ok := r.core.RelevantRun(ticket.PK); ok {
			runCopy := run
			view.Run = &runCopy
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": views,
		"banners": r.core.Banners(),
	})
}

type moveRequest struct {
	ColumnID string `json:"column_id"`
	Position int    `json:"position"`
}

func (r *Runtime) handleTicketAction(w http.ResponseWriter, req *http.Request) {
	path := pathSegment(req.URL.Path, "/api/v1/tickets/")
	if path == "reorder" {
		r.handleReorder(w, req)
		return
	}
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[1] != "move" {
		writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	ticketPK := strings.TrimSpace(segments[0])
	if ticketPK == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_ticket", "ticket pk is required")
		return
	}
	var payload moveRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(payload.ColumnID) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_column", "column_id is required")
		return
	}
	if err := r.core.MoveTicket(req.Context(), ticketPK, payload.ColumnID, payload.Position); err != nil {
		status := http.StatusBadGateway
		if strings.Contains(err.Error(), "unknown ticket") {
			status = http.StatusNotFound
		}
		writeAPIError(w, status, "move_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type reorderRequest struct {
	ColumnID   string   `json:"column_id"`
	OrderedPKs []string `json:"ordered_pks"`
}

func (r *Runtime) handleReorder(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	var payload reorderRequest
	if err := decodeJSON(req, &payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(payload.ColumnID) == "" || len(payload.OrderedPKs) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_reorder", "column_id and ordered_pks are required")
		return
	}
	if err := r.core.ReorderColumn(req.Context(), payload.ColumnID, payload.OrderedPKs); err != nil {
		writeAPIError(w, http.StatusBadGateway, "reorder_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type triggerRunRequest struct {
	AgentType string `json:"agent_type"`
	DisplayID string `json:"display_id"`
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"runs": r.core.Runs()})
	case http.MethodPost:
		var payload triggerRunRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		agentType, err := model.ParseAgentType(payload.AgentType)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_agent_type", err.Error())
			return
		}
		view, err := r.core.StartRun(req.Context(), agentType, strings.TrimSpace(payload.DisplayID))
		if err != nil {
			status := http.StatusConflict
			if strings.Contains(err.Error(), "unknown ticket") {
				status = http.StatusNotFound
			}
			writeAPIError(w, status, "trigger_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"run": view})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and POST are supported")
	}
}

func (r *Runtime) handleConversations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": r.core.Conversations(),
		"selected":      r.core.SelectedConversation(),
	})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (r *Runtime) handleConversationAction(w http.ResponseWriter, req *http.Request) {
	path := pathSegment(req.URL.Path, "/api/v1/conversations/")
	if path == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_conversation", "conversation key is required")
		return
	}
	segments := strings.Split(path, "/")
	key, err := model.ParseConversationKey(segments[0])
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_conversation", err.Error())
		return
	}

	if len(segments) == 1 {
		if req.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"key":      key,
			"messages": r.core.Conversation(key),
		})
		return
	}

	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	switch segments[1] {
	case "messages":
		var payload sendMessageRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		msg, err := r.core.SendMessage(req.Context(), key, payload.Content)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "send_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": msg})
	case "select":
		if err := r.core.SelectConversation(req.Context(), key); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "select_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"selected": key.String()})
	default:
		writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
	}
}
