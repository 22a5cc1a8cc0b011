package chatbridge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/slack-go/slack/slackevents"

	"github.com/sibyllinesoft/rave/internal/httpserver"
)

// handleSlackEvent is the Slack Events API counterpart to the Matrix
// appservice transaction endpoint: it normalizes an inbound Slack message
// or app_mention into the same Event shape processEvent already handles,
// so a single command pipeline serves both transports.
func (s *Server) handleSlackEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	var envelope struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_json", "malformed event payload")
		return
	}

	if envelope.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": envelope.Challenge})
		return
	}

	evt, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		s.logger.Warn("parsing slack event", "error", err)
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_event", "could not parse slack event")
		return
	}

	if evt.Type == slackevents.CallbackEvent {
		if event, ok := slackEventToMatrixShape(evt); ok {
			s.processEvent(r.Context(), event)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// slackEventToMatrixShape adapts a Slack message/app_mention callback into
// the Event type processEvent already knows how to parse and dispatch,
// using the Slack user ID as a synthetic Matrix-style sender.
func slackEventToMatrixShape(evt slackevents.EventsAPIEvent) (Event, bool) {
	switch ev := evt.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		return Event{
			Type:    "m.room.message",
			EventID: ev.EventTimeStamp,
			Sender:  "@" + ev.User + ":slack",
			RoomID:  ev.Channel,
			Content: Content{MsgType: "m.text", Body: ev.Text},
		}, true
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" {
			return Event{}, false
		}
		return Event{
			Type:    "m.room.message",
			EventID: ev.EventTimeStamp,
			Sender:  "@" + ev.User + ":slack",
			RoomID:  ev.Channel,
			Content: Content{MsgType: "m.text", Body: ev.Text},
		}, true
	default:
		return Event{}, false
	}
}
