package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"call-relay-service/internal/app"
	"call-relay-service/internal/service/relay"
)

const signatureHeader = "X-Twilio-Signature"

// CallServer runs one call over an upgraded media stream. *relay.Controller satisfies it.
type CallServer interface {
	Serve(ctx context.Context, conn relay.Conn) error
}

type handlers struct {
	application *app.Application
	calls       CallServer
	upgrader    websocket.Upgrader
	validator   *twilioclient.RequestValidator
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application, calls CallServer) http.Handler {
	h := &handlers{
		application: application,
		calls:       calls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Media streams originate from the telephony provider, not a browser.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if token := application.Cfg.Twilio.AuthToken; token != "" {
		v := twilioclient.NewRequestValidator(token)
		h.validator = &v
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", h.index)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Telephony routes
	r.Group(func(r chi.Router) {
		if h.validator != nil {
			r.Use(h.verifySignature)
		}
		r.Get("/incoming-call", h.incomingCall)
		r.Post("/incoming-call", h.incomingCall)
	})
	r.Get("/media-stream", h.mediaStream)

	return r
}

func (h *handlers) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"message": "Twilio Media Stream Server is running!"}`))
}

// incomingCall answers the voice webhook: connect the call to our media
// stream, and hang up once the stream is closed from our side.
func (h *handlers) incomingCall(w http.ResponseWriter, r *http.Request) {
	host := h.application.Cfg.Service.PublicHost
	if host == "" {
		host = r.Host
	}

	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				&twiml.VoiceStream{Url: fmt.Sprintf("wss://%s/media-stream", host)},
			},
		},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to render TwiML")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (h *handlers) mediaStream(w http.ResponseWriter, r *http.Request) {
	if !h.application.Ready() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Media stream upgrade failed")
		return
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("Media stream connected")

	if err := h.calls.Serve(r.Context(), conn); err != nil {
		log.Warn().Err(err).Msg("Media stream ended with error")
	}
}

// verifySignature rejects webhook requests not signed with the account auth token.
func (h *handlers) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}

		if !h.validator.Validate(requestURL(r), params, r.Header.Get(signatureHeader)) {
			log.Warn().Str("path", r.URL.Path).Msg("Rejected webhook with invalid signature")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestURL reconstructs the URL the provider signed.
func requestURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}
