package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianGovern/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/identity"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianGovern/services/orchestrator/pipeline"
)

// WSTurnRequest is one chat turn sent by the client. Same message shape as
// the NDJSON endpoint; the session is pinned at connect, so any sessionId in
// the payload is ignored.
type WSTurnRequest struct {
	Messages []datatypes.Message `json:"messages"`
}

// WSTurnResponse is the single buffered reply to one turn. The answer has
// already cleared response gating by the time it is written, so there is
// nothing to stream; blocked turns carry the fixed denial text like any
// other answer.
type WSTurnResponse struct {
	Answer    string `json:"answer"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	// Origin enforcement belongs to the reverse proxy; the bearer token and
	// userId were already checked by the middleware chain on the upgrade
	// request.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleChatWebSocket runs governed chat turns over a websocket.
//
// Each connection gets one session: the handler sends a session_created
// message on connect, then answers every turn with exactly one JSON message
// after the full pipeline (token exchange, gating, retrieval, synthesis,
// response gating) has run. Turn failures are reported on the turn and the
// connection stays up; only write failures and disconnects end the loop.
func HandleChatWebSocket(orchestrator *pipeline.ChatOrchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Identity must be read before the upgrade consumes the request.
		userID := middleware.UserID(c)
		bearer := middleware.BearerToken(c)

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sessionID := datatypes.NewSessionID()
		slog.Info("Websocket session started", "sessionId", sessionID, "userId", userID)

		if err := sendJSON(ws, map[string]interface{}{
			"action":    "session_created",
			"sessionId": sessionID,
		}); err != nil {
			return // Close if we can't even send the first message
		}

		for {
			var req WSTurnRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "error", err.Error())
				break
			}

			resp := runWebSocketTurn(c, orchestrator, userID, bearer, sessionID, req)
			if err := sendJSON(ws, resp); err != nil {
				return
			}
		}
	}
}

// runWebSocketTurn validates one turn and runs it through the pipeline,
// mapping errors to the same sanitized messages the HTTP surface uses.
func runWebSocketTurn(c *gin.Context, orchestrator *pipeline.ChatOrchestrator,
	userID, bearer, sessionID string, req WSTurnRequest) WSTurnResponse {

	startTime := time.Now()
	endpoint := observability.EndpointChatWS

	resp := WSTurnResponse{Role: datatypes.RoleAssistant, SessionID: sessionID}

	if m := observability.DefaultMetrics; m != nil {
		m.TurnStarted(endpoint)
		defer m.TurnEnded(endpoint)
	}
	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordTurnDuration(endpoint, duration, success)
		}
	}()

	// Same shape rules as the NDJSON endpoint.
	shaped := datatypes.ChatStreamRequest{Messages: req.Messages}
	if err := shaped.Validate(); err != nil {
		slog.Error("Websocket turn validation failed", "error", err, "sessionId", sessionID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		resp.Error = "invalid request: validation failed"
		return resp
	}
	question := shaped.Question()
	if question == "" {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		resp.Error = "request contains no user message"
		return resp
	}

	result, err := orchestrator.Run(c.Request.Context(), pipeline.TurnInput{
		UserID:      userID,
		BearerToken: bearer,
		SessionID:   sessionID,
		Question:    question,
	})
	if err != nil {
		code := pipeline.ErrorCode(err)
		slog.Error("Websocket chat turn failed",
			"error", err,
			"errorCode", code,
			"sessionId", sessionID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, code)
		}
		if identity.IsAuthError(err) {
			resp.Error = "invalid authorization credential"
		} else {
			resp.Error = "service unavailable"
		}
		return resp
	}

	success = true
	resp.Answer = result.Content
	return resp
}
