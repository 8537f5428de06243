package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/safechat/safechat/internal/protocol"
	"github.com/safechat/safechat/internal/store"
	"github.com/safechat/safechat/internal/ws"
)

// History limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryHandler serves GET /api/history: the most recent messages in a
// scope, oldest first, in the same event shape the live broadcast uses.
// The scope comes from the query: peer_id for a direct conversation,
// group_id for a group (callers must be members), neither for the global
// feed. Requests authenticate with the same token the WebSocket upgrade
// uses.
func (s *Service) HistoryHandler(authn ws.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := authn.Authenticate(r.URL.Query().Get("token"))
		if err != nil {
			historyError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		limit := defaultHistoryLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxHistoryLimit {
				limit = n
			}
		}

		msgs, err := s.fetchHistory(r, userID, limit)
		if err != nil {
			switch err {
			case errNotAMember:
				historyError(w, http.StatusForbidden, "not a group member")
			case errBadScope:
				historyError(w, http.StatusBadRequest, "invalid peer_id or group_id")
			default:
				log.Printf("[relay] history fetch failed user=%d: %v", userID, err)
				historyError(w, http.StatusInternalServerError, "history unavailable")
			}
			return
		}

		events := make([]protocol.MessageEvent, 0, len(msgs))
		for _, m := range msgs {
			events = append(events, protocol.MessageEvent{
				Type:           protocol.TypeMessage,
				ID:             m.ID,
				SenderID:       m.SenderID,
				SenderUsername: m.SenderUsername,
				ReceiverID:     m.ReceiverID,
				GroupID:        m.GroupID,
				Content:        m.Content,
				CreatedAt:      protocol.FormatTime(m.CreatedAt),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{"messages": events}); err != nil {
			log.Printf("[relay] history encode failed: %v", err)
		}
	})
}

var (
	errNotAMember = historyErr("requester is not a group member")
	errBadScope   = historyErr("malformed scope parameter")
)

type historyErr string

func (e historyErr) Error() string { return string(e) }

// fetchHistory resolves the scope parameters and queries the matching
// store method.
func (s *Service) fetchHistory(r *http.Request, userID int64, limit int) ([]store.Message, error) {
	q := r.URL.Query()

	if v := q.Get("group_id"); v != "" {
		groupID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || groupID <= 0 {
			return nil, errBadScope
		}
		members, err := s.store.GroupMembers(r.Context(), groupID)
		if err != nil {
			return nil, err
		}
		member := false
		for _, id := range members {
			if id == userID {
				member = true
				break
			}
		}
		if !member {
			return nil, errNotAMember
		}
		return s.store.GroupHistory(r.Context(), groupID, limit)
	}

	if v := q.Get("peer_id"); v != "" {
		peerID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || peerID <= 0 {
			return nil, errBadScope
		}
		return s.store.DirectHistory(r.Context(), userID, peerID, limit)
	}

	return s.store.GlobalHistory(r.Context(), limit)
}

func historyError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
