package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kontomat/backend/internal/domain"
	"github.com/kontomat/backend/internal/events"
	"github.com/kontomat/backend/internal/inference"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same-host deployment; the bearer token is the access control.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMsgSize = 64 * 1024
)

// chatRequest is the first frame the client sends on /chat.
type chatRequest struct {
	Prompt   string `json:"prompt"`
	ClientID string `json:"client_id,omitempty"`
}

// chatFrame is one server frame on /chat.
type chatFrame struct {
	Type     string               `json:"type"` // token, done, error
	Text     string               `json:"text,omitempty"`
	Code     string               `json:"code,omitempty"`
	Message  string               `json:"message,omitempty"`
	Citation []domain.CitationRef `json:"citations,omitempty"`
}

const chatSystem = `Ti si asistent knjigovodstvenog servisa. Odgovaraj na hrvatskom,
kratko i stručno. Smiješ objašnjavati knjiženja, PDV tretman i zakonske odredbe uz
citate. Nikada ne računaj iznose i nikada ne daješ pravne savjete.`

// handleChat streams a chat answer token by token. The prompt is screened
// by the overseer first; a refusal is audited and ends the session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("chat upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMsgSize)

	var req chatRequest
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeFrame(conn, chatFrame{Type: "error", Code: domain.CodeInput, Message: "upit je prazan"})
		return
	}

	actor := "user:" + u.ID
	if verdict := s.d.Overseer.Evaluate(req.Prompt); !verdict.Approved {
		s.d.Chain.Append(r.Context(), actor, "safety.refused", req.ClientID, verdict)
		if s.d.Metrics != nil {
			s.d.Metrics.SafetyRefusals.WithLabelValues(string(verdict.Boundary)).Inc()
		}
		s.writeFrame(conn, chatFrame{Type: "error", Code: domain.CodeSafety, Message: verdict.Reason})
		return
	}

	// Ground the answer in the corpus; search failure degrades to a plain
	// chat answer.
	system := chatSystem
	var citations []domain.CitationRef
	if hits, err := s.d.Laws.Search(r.Context(), req.Prompt, time.Now(), 3); err == nil && len(hits) > 0 {
		var sb strings.Builder
		sb.WriteString(system)
		sb.WriteString("\n\nRelevantne odredbe:\n")
		for _, h := range hits {
			citations = append(citations, h.Citation)
			fmt.Fprintf(&sb, "- [%s čl. %s] %s\n", h.Chunk.LawCode, h.Chunk.Article, excerpt(h.Chunk.Text, 300))
		}
		system = sb.String()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	resp, err := s.d.AI.Infer(ctx, inference.Request{
		Kind: inference.KindChat, System: system, Prompt: req.Prompt,
		UserID: u.ID, Stream: true,
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			s.writeFrame(conn, chatFrame{Type: "error", Code: de.Code, Message: de.Message})
		} else {
			s.writeFrame(conn, chatFrame{Type: "error", Code: domain.CodeInference, Message: "upit nije uspio"})
		}
		return
	}

	// The client closing the socket cancels the stream.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for tok := range resp.Tokens {
		if tok.Err != nil {
			code := domain.CodeInference
			msg := "upit nije uspio"
			if errors.Is(tok.Err, inference.ErrCancelled) {
				code, msg = "CANCELLED", "upit je prekinut"
			} else if de := new(domain.Error); errors.As(tok.Err, &de) {
				code, msg = de.Code, de.Message
			}
			s.writeFrame(conn, chatFrame{Type: "error", Code: code, Message: msg})
			return
		}
		if !s.writeFrame(conn, chatFrame{Type: "token", Text: tok.Text}) {
			cancel()
			return
		}
	}
	s.writeFrame(conn, chatFrame{Type: "done", Citation: citations})
}

func (s *Server) writeFrame(conn *websocket.Conn, f chatFrame) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(f); err != nil {
		return false
	}
	return true
}

// handleEvents streams live pipeline events to the client until it hangs
// up. One goroutine owns all writes including pings.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.d.Bus == nil {
		s.writeError(w, domain.E(domain.CodeUnsupported, "sabirnica događaja nije uključena"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.d.Bus.Subscribe(
		events.TypeBookingTransition,
		events.TypeBookingProposed,
		events.TypeBookingApproved,
		events.TypeBookingExported,
	)
	defer s.d.Bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsMaxMsgSize)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ce, ok := <-sub:
			if !ok {
				return
			}
			payload, err := ce.JSON()
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
