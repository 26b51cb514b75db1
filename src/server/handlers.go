package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"tradebot/src/model"
	"tradebot/src/repository"
	"tradebot/src/signal"
)

// webhookHandler receives TradingView alert payloads, authenticates the
// bearer token against the configured bcrypt hash and queues the parsed
// signal for the trading loop.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	sig, err := signal.Parse(raw)
	if err != nil {
		logger.WithError(err).Warn("webhook signal rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig.Source = "webhook"

	if err := s.queue.Enqueue(sig); err != nil {
		http.Error(w, "signal queue full", http.StatusServiceUnavailable)
		return
	}

	logger.WithFields(logger.Fields{
		"symbol": sig.Symbol,
		"side":   sig.Side,
	}).Info("webhook signal queued")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]interface{}{
		"status":    "queued",
		"symbol":    sig.Symbol,
		"queue_len": s.queue.QueueLen(),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.tokenHash == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)) == nil
}

func (s *Server) positionsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.positions.Snapshot())
}

func (s *Server) closePositionHandler(w http.ResponseWriter, r *http.Request) {
	symbol := signal.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if symbol == "" {
		http.Error(w, "invalid symbol", http.StatusBadRequest)
		return
	}

	if err := s.positions.Close(r.Context(), symbol, model.CloseReasonManual); err != nil {
		logger.WithError(err).WithField("symbol", symbol).Error("manual close failed")
		http.Error(w, "close failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "closed", "symbol": symbol})
}

// tradesHandler lists closed trades. Supports filters (symbol, from, to)
// and a limit.
func (s *Server) tradesHandler(w http.ResponseWriter, r *http.Request) {
	opts := repository.TradeSearchOptions{}

	if symbolParam := r.URL.Query().Get("symbol"); symbolParam != "" {
		opts.Symbol = signal.NormalizeSymbol(symbolParam)
	}

	if fromParam := r.URL.Query().Get("from"); fromParam != "" {
		parsed, err := time.Parse(time.RFC3339, fromParam)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		opts.ClosedAfter = &parsed
	}

	if toParam := r.URL.Query().Get("to"); toParam != "" {
		parsed, err := time.Parse(time.RFC3339, toParam)
		if err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
		opts.ClosedBefore = &parsed
	}

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		parsedLimit, err := strconv.Atoi(limitParam)
		if err != nil || parsedLimit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = parsedLimit
	}

	trades, err := s.trades.GetHistoricalTrades(r.Context(), opts)
	if err != nil {
		logger.WithError(err).Error("failed to search trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, trades)
}

// reportHandler aggregates realized PnL since the optional from
// timestamp; without it the whole history counts.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if fromParam := r.URL.Query().Get("from"); fromParam != "" {
		parsed, err := time.Parse(time.RFC3339, fromParam)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	totals, err := s.trades.Totals(r.Context(), since)
	if err != nil {
		logger.WithError(err).Error("failed to aggregate trades")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, totals)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsHandler streams bot events to the client as JSON frames until either
// side hangs up.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Error("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.events.Subscribe()
	defer cancel()

	// Reader only consumes control frames; a read error means the
	// client went away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
