package httpd

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/influxdata/httprouter"
	"github.com/pkg/errors"
	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/client"
	"github.com/tradewire/tradewire/server/vars"
	"github.com/tradewire/tradewire/uuid"
)

// statistics gathered by the httpd package.
const (
	statRequest     = "req"       // Number of HTTP requests served
	statPingRequest = "ping_req"  // Number of ping requests served
	statAuthFail    = "auth_fail" // Number of requests that failed to authenticate
)

const BasePath = "/tradewire/v1"

// AlertRouter resolves a group and fans an alert out to its destinations.
type AlertRouter interface {
	Route(ctx context.Context, a channel.Alert) ([]channel.DeliveryResult, error)
}

// MessageInjector feeds one message through the parse and dispatch path.
type MessageInjector interface {
	Inject(ctx context.Context, msg channel.RawMessage) (channel.Outcome, error)
}

// CommandLister lists the registered command names.
type CommandLister interface {
	Commands() []string
}

type Route struct {
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
	// NoJSON skips the JSON content type header, for routes that write
	// another format.
	NoJSON bool
	// NoAuth exempts the route from authentication. Webhook callbacks
	// carry their own verification and are registered with NoAuth.
	NoAuth bool
}

// Handler represents the HTTP handler for the tradewired API.
//
// The API fields are assigned by the server before the service opens.
// Routes whose backing field is nil respond 503.
type Handler struct {
	mu     sync.RWMutex
	router *httprouter.Router
	routes map[string]Route

	requireAuthentication bool
	sharedSecret          string
	loggingEnabled        bool
	exposePprof           bool
	allowGzip             bool

	// Router routes alerts published over the API.
	Router AlertRouter
	// Injector runs injected messages through the inbound pipeline.
	Injector MessageInjector
	// Registry, Groups, Health and Commander back the read side of the API.
	Registry  *channel.Registry
	Groups    *channel.GroupSet
	Health    *channel.Health
	Commander CommandLister
	// CommandPrefix is reported in command listings.
	CommandPrefix string

	diag    Diagnostic
	statMap *expvar.Map
}

// NewHandler returns a new instance of handler with routes.
func NewHandler(
	requireAuthentication,
	loggingEnabled,
	pprofEnabled,
	allowGzip bool,
	statMap *expvar.Map,
	d Diagnostic,
	sharedSecret string,
) *Handler {
	h := &Handler{
		routes:                make(map[string]Route),
		requireAuthentication: requireAuthentication,
		sharedSecret:          sharedSecret,
		loggingEnabled:        loggingEnabled,
		exposePprof:           pprofEnabled,
		allowGzip:             allowGzip,
		diag:                  d,
		statMap:               statMap,
	}
	h.rebuild()

	routes := []Route{
		{
			Method:      "GET",
			Pattern:     BasePath + "/ping",
			HandlerFunc: h.servePing,
		},
		{
			Method:      "HEAD",
			Pattern:     BasePath + "/ping",
			HandlerFunc: h.servePing,
		},
		{
			Method:      "POST",
			Pattern:     BasePath + "/alerts",
			HandlerFunc: h.serveAlert,
		},
		{
			Method:      "GET",
			Pattern:     BasePath + "/channels",
			HandlerFunc: h.serveChannels,
		},
		{
			Method:      "GET",
			Pattern:     BasePath + "/groups",
			HandlerFunc: h.serveGroups,
		},
		{
			Method:      "GET",
			Pattern:     BasePath + "/groups/:group",
			HandlerFunc: h.serveGroup,
		},
		{
			Method:      "GET",
			Pattern:     BasePath + "/commands",
			HandlerFunc: h.serveCommands,
		},
		{
			Method:      "POST",
			Pattern:     BasePath + "/messages",
			HandlerFunc: h.serveMessage,
		},
		{
			Method:      "GET",
			Pattern:     BasePath + "/debug/vars",
			HandlerFunc: serveExpvar,
		},
	}
	if h.exposePprof {
		routes = append(routes, Route{
			Method:      "GET",
			Pattern:     "/debug/pprof/*profile",
			HandlerFunc: servePprof,
			NoJSON:      true,
		})
	}
	h.addRawRoutes(routes)

	return h
}

func (h *Handler) AddRoutes(routes []Route) error {
	for _, r := range routes {
		err := h.AddRoute(r)
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) AddRoute(r Route) error {
	if len(r.Pattern) > 0 && r.Pattern[0] != '/' {
		return fmt.Errorf("route patterns must begin with a '/' %s", r.Pattern)
	}
	r.Pattern = BasePath + r.Pattern
	return h.addRawRoute(r)
}

func (h *Handler) addRawRoutes(routes []Route) error {
	for _, r := range routes {
		err := h.addRawRoute(r)
		if err != nil {
			return err
		}
	}
	return nil
}

// Add a route without prepending the BasePath.
func (h *Handler) addRawRoute(r Route) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := routeKey(r)
	if _, ok := h.routes[key]; ok {
		return fmt.Errorf("route exists with method %q pattern %q", r.Method, r.Pattern)
	}
	h.routes[key] = r
	if err := h.rebuild(); err != nil {
		delete(h.routes, key)
		h.rebuild()
		return err
	}
	return nil
}

func (h *Handler) DelRoutes(routes []Route) {
	for _, r := range routes {
		h.DelRoute(r)
	}
}

// DelRoute removes a route from the handler. No-op if the route does not exist.
func (h *Handler) DelRoute(r Route) {
	r.Pattern = BasePath + r.Pattern
	h.mu.Lock()
	defer h.mu.Unlock()
	key := routeKey(r)
	if _, ok := h.routes[key]; !ok {
		return
	}
	delete(h.routes, key)
	h.rebuild()
}

func routeKey(r Route) string {
	return r.Method + " " + r.Pattern
}

// rebuild replaces the router with one serving exactly h.routes. The
// router cannot deregister a pattern, so deletions rebuild as well.
// Callers must hold h.mu.
func (h *Handler) rebuild() (err error) {
	defer func() {
		// The router panics on conflicting patterns.
		if p := recover(); p != nil {
			err = fmt.Errorf("invalid route: %v", p)
		}
	}()
	router := httprouter.New()
	router.NotFound = h.wrap(Route{HandlerFunc: h.serve404})
	for _, r := range h.routes {
		router.Handler(r.Method, r.Pattern, h.wrap(r))
	}
	h.router = router
	return nil
}

// wrap builds the filter chain of a route.
func (h *Handler) wrap(r Route) http.Handler {
	var handler http.Handler = r.HandlerFunc
	if h.requireAuthentication && !r.NoAuth {
		handler = authenticate(handler, h)
	}
	if !r.NoJSON {
		handler = jsonContent(handler)
	}
	if h.allowGzip {
		handler = gzipFilter(handler)
	}
	handler = versionHeader(handler)
	handler = cors(handler)
	handler = requestID(handler)
	if h.loggingEnabled {
		handler = logHandler(handler, h.diag)
	}
	handler = recovery(handler, h.diag) // make sure recovery is always last
	return handler
}

// ServeHTTP responds to HTTP requests to the handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statRequest, 1)
	h.mu.RLock()
	router := h.router
	h.mu.RUnlock()
	router.ServeHTTP(w, r)
}

// servePing returns a simple response to let the client know the server is running.
func (h *Handler) servePing(w http.ResponseWriter, r *http.Request) {
	h.statMap.Add(statPingRequest, 1)
	w.WriteHeader(http.StatusNoContent)
}

// serveAlert routes an alert to the destinations of its group.
func (h *Handler) serveAlert(w http.ResponseWriter, r *http.Request) {
	if h.Router == nil {
		HttpError(w, "alert routing is not available", true, http.StatusServiceUnavailable)
		return
	}
	var req client.Alert
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if req.Group == "" {
		HttpError(w, "group is required", true, http.StatusBadRequest)
		return
	}

	a := channel.Alert{
		Group:    req.Group,
		Body:     req.Body,
		Metadata: req.Metadata,
		Level:    channel.MetadataLevel(req.Metadata),
		Time:     time.Now().UTC(),
	}
	results, err := h.Router.Route(r.Context(), a)
	if err != nil {
		if errors.Is(err, channel.ErrUnknownGroup) {
			HttpError(w, err.Error(), true, http.StatusNotFound)
			return
		}
		HttpError(w, err.Error(), true, http.StatusInternalServerError)
		return
	}

	w.Write(MarshalJSON(client.RouteResult{
		Group:   req.Group,
		Level:   a.Level.String(),
		Results: marshalResults(results),
	}, true))
}

func marshalResults(results []channel.DeliveryResult) []client.DeliveryResult {
	out := make([]client.DeliveryResult, len(results))
	for i, res := range results {
		dr := client.DeliveryResult{
			Destination: res.Destination.String(),
			OK:          res.OK,
			LatencyMS:   float64(res.Latency) / float64(time.Millisecond),
		}
		if !res.OK {
			dr.Kind = res.Kind.String()
			if res.Err != nil {
				dr.Error = res.Err.Error()
			}
		}
		out[i] = dr
	}
	return out
}

// serveChannels lists the registered channels and their delivery health.
func (h *Handler) serveChannels(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil {
		HttpError(w, "channel registry is not available", true, http.StatusServiceUnavailable)
		return
	}
	receiving := make(map[string]bool)
	for _, nr := range h.Registry.Receivers() {
		receiving[nr.Channel] = true
	}

	names := h.Registry.Channels()
	channels := make([]client.Channel, 0, len(names))
	for _, name := range names {
		ch := client.Channel{
			Name:      name,
			Receiving: receiving[name],
		}
		if h.Health != nil {
			if cs, ok := h.Health.Channel(name); ok {
				ch.Health = &client.ChannelHealth{
					Up:                  cs.Up(),
					LastSuccess:         cs.LastSuccess,
					LastFailure:         cs.LastFailure,
					LastError:           cs.LastError,
					ConsecutiveFailures: cs.ConsecutiveFailures,
				}
			}
		}
		channels = append(channels, ch)
	}
	w.Write(MarshalJSON(client.Channels{Channels: channels}, true))
}

// serveGroups lists the routing groups and their destinations.
func (h *Handler) serveGroups(w http.ResponseWriter, r *http.Request) {
	if h.Groups == nil {
		HttpError(w, "routing groups are not available", true, http.StatusServiceUnavailable)
		return
	}
	names := h.Groups.Groups()
	groups := make([]client.Group, 0, len(names))
	for _, name := range names {
		dests, err := h.Groups.Resolve(name)
		if err != nil {
			continue
		}
		groups = append(groups, client.Group{
			Name:         name,
			Destinations: destinationStrings(dests),
		})
	}
	w.Write(MarshalJSON(client.Groups{Groups: groups}, true))
}

// serveGroup returns a single routing group.
func (h *Handler) serveGroup(w http.ResponseWriter, r *http.Request) {
	if h.Groups == nil {
		HttpError(w, "routing groups are not available", true, http.StatusServiceUnavailable)
		return
	}
	name := httprouter.ParamsFromContext(r.Context()).ByName("group")
	dests, err := h.Groups.Resolve(name)
	if err != nil {
		HttpError(w, err.Error(), true, http.StatusNotFound)
		return
	}
	w.Write(MarshalJSON(client.Group{
		Name:         name,
		Destinations: destinationStrings(dests),
	}, true))
}

func destinationStrings(dests []channel.Destination) []string {
	out := make([]string, len(dests))
	for i, d := range dests {
		out[i] = d.String()
	}
	return out
}

// serveCommands lists the registered command names.
func (h *Handler) serveCommands(w http.ResponseWriter, r *http.Request) {
	if h.Commander == nil {
		HttpError(w, "command dispatch is not available", true, http.StatusServiceUnavailable)
		return
	}
	w.Write(MarshalJSON(client.Commands{
		Prefix:   h.CommandPrefix,
		Commands: h.Commander.Commands(),
	}, true))
}

// serveMessage injects a raw message into the inbound pipeline.
func (h *Handler) serveMessage(w http.ResponseWriter, r *http.Request) {
	if h.Injector == nil || h.Registry == nil {
		HttpError(w, "message injection is not available", true, http.StatusServiceUnavailable)
		return
	}
	var req client.Message
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		HttpError(w, "invalid json: "+err.Error(), true, http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		HttpError(w, "channel is required", true, http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		HttpError(w, "text is required", true, http.StatusBadRequest)
		return
	}
	if _, err := h.Registry.Get(req.Channel); err != nil {
		HttpError(w, err.Error(), true, http.StatusNotFound)
		return
	}

	msg := channel.RawMessage{
		Channel:     req.Channel,
		Destination: req.Destination,
		Sender:      req.Sender,
		Text:        req.Text,
		Correlation: req.Correlation,
		Time:        req.Time,
	}
	if msg.Correlation == "" {
		msg.Correlation = uuid.New().String()
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}

	out, err := h.Injector.Inject(r.Context(), msg)
	if err != nil {
		// Not a command. The message took the normal unrecognized path.
		w.Write(MarshalJSON(client.MessageResult{Command: false}, true))
		return
	}
	result := client.MessageResult{
		Command: true,
		Status:  out.Status.String(),
		Reply:   out.Reply,
	}
	if out.Err != nil {
		result.Error = out.Err.Error()
	}
	w.Write(MarshalJSON(result, true))
}

// serve404 returns a formatted 404 error.
func (h *Handler) serve404(w http.ResponseWriter, r *http.Request) {
	HttpError(w, "Not Found", true, http.StatusNotFound)
}

// MarshalJSON will marshal v to JSON. Pretty prints if pretty is true.
func MarshalJSON(v interface{}, pretty bool) []byte {
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(v, "", "    ")
	} else {
		b, err = json.Marshal(v)
	}

	if err != nil {
		type errResponse struct {
			Error string `json:"error"`
		}
		er := errResponse{Error: err.Error()}
		b, _ = json.Marshal(er)
	}
	return b
}

// serveExpvar serves registered expvar information over HTTP.
func serveExpvar(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// servePprof routes to the std pprof handlers by path since the profiles
// share one wildcard route.
func servePprof(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/debug/pprof/cmdline":
		pprof.Cmdline(w, r)
	case "/debug/pprof/profile":
		pprof.Profile(w, r)
	case "/debug/pprof/symbol":
		pprof.Symbol(w, r)
	case "/debug/pprof/trace":
		pprof.Trace(w, r)
	default:
		pprof.Index(w, r)
	}
}

// HttpError writes an error to the client in a standard format.
func HttpError(w http.ResponseWriter, err string, pretty bool, code int) {
	w.WriteHeader(code)

	type errResponse struct {
		Error string `json:"error"`
	}

	response := errResponse{Error: err}
	var b []byte
	if pretty {
		b, _ = json.MarshalIndent(response, "", "    ")
	} else {
		b, _ = json.Marshal(response)
	}
	w.Write(b)
}

// Filters and filter helpers

// authenticate wraps a handler and rejects requests that do not carry a
// valid bearer token.
func authenticate(inner http.Handler, h *Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			h.statMap.Add(statAuthFail, 1)
			HttpError(w, err.Error(), false, http.StatusUnauthorized)
			return
		}
		if err := h.validateToken(token); err != nil {
			h.statMap.Add(statAuthFail, 1)
			HttpError(w, err.Error(), false, http.StatusUnauthorized)
			return
		}
		inner.ServeHTTP(w, r)
	})
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	s := r.Header.Get("Authorization")
	if s == "" {
		return "", errors.New("unable to parse authentication credentials")
	}
	strs := strings.SplitN(s, " ", 2)
	if len(strs) != 2 || strs[0] != "Bearer" {
		return "", errors.New("unsupported authentication")
	}
	return strs[1], nil
}

// validateToken checks the signature and expiration of a bearer token.
func (h *Handler) validateToken(tokenStr string) error {
	keyLookupFn := func(token *jwt.Token) (interface{}, error) {
		// Check for expected signing method.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.sharedSecret), nil
	}

	token, err := jwt.Parse(tokenStr, keyLookupFn)
	if err != nil {
		return fmt.Errorf("invalid token: %s", err.Error())
	} else if !token.Valid {
		return errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		// This should not be possible, but just in case.
		return errors.New("invalid claims type")
	}

	// The exp claim is validated internally as long as it exists and is
	// non-zero. Make sure a non-zero expiration was set on the token.
	if exp, ok := claims["exp"].(float64); !ok || exp <= 0.0 {
		return errors.New("token expiration required")
	}
	return nil
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w gzipResponseWriter) Flush() {
	w.Writer.(*gzip.Writer).Flush()
}

// determines if the client can accept compressed responses, and encodes accordingly
func gzipFilter(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			inner.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gzw := gzipResponseWriter{Writer: gz, ResponseWriter: w}
		inner.ServeHTTP(gzw, r)
	})
}

func jsonContent(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		inner.ServeHTTP(w, r)
	})
}

// versionHeader adds the X-Tradewire-Version header to outgoing responses.
func versionHeader(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("X-Tradewire-Version", vars.Info.Version())
		inner.ServeHTTP(w, r)
	})
}

// cors responds to incoming requests and adds the appropriate cors headers
func cors(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set(`Access-Control-Allow-Origin`, origin)
			w.Header().Set(`Access-Control-Allow-Methods`, strings.Join([]string{
				`DELETE`,
				`GET`,
				`OPTIONS`,
				`POST`,
				`PATCH`,
			}, ", "))

			w.Header().Set(`Access-Control-Allow-Headers`, strings.Join([]string{
				`Accept`,
				`Accept-Encoding`,
				`Authorization`,
				`Content-Length`,
				`Content-Type`,
			}, ", "))
		}

		if r.Method == "OPTIONS" {
			return
		}

		inner.ServeHTTP(w, r)
	})
}

func requestID(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := uuid.New()
		r.Header.Set("Request-Id", uid.String())
		w.Header().Set("Request-Id", r.Header.Get("Request-Id"))

		inner.ServeHTTP(w, r)
	})
}

// statusWriter records the status code written to a response.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func logHandler(inner http.Handler, d Diagnostic) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		inner.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		// The requestID filter runs inside this one and sets the header
		// on the request, so it is readable here after the inner handler
		// returns.
		d.HTTP(r.RemoteAddr, r.Method, r.URL.RequestURI(), status, r.Header.Get("Request-Id"), time.Since(start))
	})
}

func recovery(inner http.Handler, d Diagnostic) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			if err := recover(); err != nil {
				d.RecoveryError("panic serving request", fmt.Sprintf("%v", err), r.Method, r.URL.RequestURI(), r.Header.Get("Request-Id"))
				if sw.status == 0 {
					HttpError(sw, "internal server error", false, http.StatusInternalServerError)
				}
			}
		}()
		inner.ServeHTTP(sw, r)
	})
}
