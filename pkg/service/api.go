package service

import (
    "context"
    "crypto/rand"
    "crypto/subtle"
    "errors"
    "fmt"
    "net"
    "net/http"
    "net/netip"
    "strconv"
    "strings"
    "time"

    "go.uber.org/zap"

    "github.com/zerotier/ZeroTierOne/pkg/codec"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

const (
    // AuthTokenName is the data store object holding the control API token
    // when none is configured.
    AuthTokenName = "authtoken.secret"
    // AuthHeader carries the token on control API requests.
    AuthHeader = "X-ZT1-Auth"

    tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
    tokenLength   = 24
)

type controlAPI struct {
    ln  net.Listener
    srv *http.Server
}

// PeerStatus is a peer as reported by the control API.
type PeerStatus struct {
    sdk.Peer
    // Version is empty when the peer's version is unknown
    Version       string                `json:"version,omitempty"`
    PreferredPath *sdk.PeerPhysicalPath `json:"preferredPath,omitempty"`
}

func peerStatus(p sdk.Peer) PeerStatus {
    ps := PeerStatus{Peer: p}
    if v, ok := p.Version(); ok {
        ps.Version = v.String()
    }
    if pp, ok := p.PreferredPath(); ok {
        ps.PreferredPath = &pp
    }
    return ps
}

type apiResult struct {
    Result bool `json:"result"`
}

type apiError struct {
    Error string `json:"error"`
}

// listenAPI binds the control API when it is enabled. Serving starts in Run.
func (s *Service) listenAPI() error {
    if !s.cfg.API.Enable {
        return nil
    }
    token, err := s.authToken()
    if err != nil {
        return err
    }
    ln, err := listenControl(s.cfg.API.Listen)
    if err != nil {
        return fmt.Errorf("service: control API: %w", err)
    }
    s.api = &controlAPI{
        ln: ln,
        srv: &http.Server{
            Handler:           s.apiHandler(token),
            ReadHeaderTimeout: 5 * time.Second,
            ErrorLog:          zap.NewStdLog(s.log.Named("api")),
        },
    }
    s.log.Info("control API listening", zap.Stringer("addr", ln.Addr()))
    return nil
}

// APIAddr returns the control API's bound TCP address; false when it is
// disabled or on a named pipe.
func (s *Service) APIAddr() (netip.AddrPort, bool) {
    if s.api == nil {
        return netip.AddrPort{}, false
    }
    a, ok := s.api.ln.Addr().(*net.TCPAddr)
    if !ok {
        return netip.AddrPort{}, false
    }
    return a.AddrPort(), true
}

func (s *Service) serveAPI() {
    if err := s.api.srv.Serve(s.api.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
        s.log.Warn("control API stopped", zap.Error(err))
    }
}

func (s *Service) closeAPI() {
    if s.api == nil {
        return
    }
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := s.api.srv.Shutdown(ctx); err != nil {
        s.log.Debug("control API shutdown", zap.Error(err))
    }
    // Shutdown only closes listeners that Serve was given
    _ = s.api.ln.Close()
}

// authToken returns the configured token, or the one kept in the data
// store, creating it on first use.
func (s *Service) authToken() (string, error) {
    if t := strings.TrimSpace(s.cfg.API.Token); t != "" {
        return t, nil
    }
    buf := make([]byte, 256)
    n, _, err := s.store.OnDataStoreGet(AuthTokenName, buf, 0)
    switch {
    case err == nil:
        if t := strings.TrimSpace(string(buf[:n])); t != "" {
            return t, nil
        }
    case !errors.Is(err, sdk.ErrObjectNotFound):
        return "", fmt.Errorf("service: read %s: %w", AuthTokenName, err)
    }
    t, err := newToken()
    if err != nil {
        return "", err
    }
    if err := s.store.OnDataStorePut(AuthTokenName, []byte(t), true); err != nil {
        return "", fmt.Errorf("service: write %s: %w", AuthTokenName, err)
    }
    s.log.Info("control API token created", zap.String("object", AuthTokenName))
    return t, nil
}

func newToken() (string, error) {
    b := make([]byte, tokenLength)
    if _, err := rand.Read(b); err != nil {
        return "", fmt.Errorf("service: token: %w", err)
    }
    for i := range b {
        b[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
    }
    return string(b), nil
}

func (s *Service) apiHandler(token string) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("GET /status", s.handleStatus)
    mux.HandleFunc("GET /network", s.handleNetworks)
    mux.HandleFunc("GET /network/{nwid}", s.handleNetwork)
    mux.HandleFunc("POST /network/{nwid}", s.handleJoin)
    mux.HandleFunc("DELETE /network/{nwid}", s.handleLeave)
    mux.HandleFunc("GET /peer", s.handlePeers)
    mux.HandleFunc("GET /peer/{address}", s.handlePeer)
    mux.HandleFunc("POST /moon/{id}", s.handleOrbit)
    mux.HandleFunc("DELETE /moon/{id}", s.handleDeorbit)
    return s.authorize(token, mux)
}

// authorize accepts the token from the auth header, an "auth" query
// parameter or a bearer Authorization header.
func (s *Service) authorize(token string, next http.Handler) http.Handler {
    want := []byte(token)
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        got := r.Header.Get(AuthHeader)
        if got == "" {
            got = r.URL.Query().Get("auth")
        }
        if got == "" {
            got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
        }
        if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
            s.log.Debug("control API request refused", zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
            s.reply(w, r, http.StatusUnauthorized, apiError{Error: "authorization required"})
            return
        }
        next.ServeHTTP(w, r)
    })
}

// replyCodec picks the codec from a "format" query parameter, then the
// Accept header, and falls back to JSON.
func (s *Service) replyCodec(r *http.Request) codec.Codec {
    if f := r.URL.Query().Get("format"); f != "" {
        if c, err := s.codecs.Lookup(f); err == nil {
            return c
        }
    }
    for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
        mt, _, _ := strings.Cut(part, ";")
        if c, err := s.codecs.Lookup(mt); err == nil {
            return c
        }
    }
    return codec.JSON()
}

func (s *Service) reply(w http.ResponseWriter, r *http.Request, code int, v any) {
    c := s.replyCodec(r)
    b, err := c.Marshal(v)
    if err != nil {
        s.log.Debug("encode reply", zap.String("path", r.URL.Path), zap.String("format", c.Name()), zap.Error(err))
        c = codec.JSON()
        if b, err = c.Marshal(apiError{Error: err.Error()}); err != nil {
            w.WriteHeader(http.StatusInternalServerError)
            return
        }
        code = http.StatusNotAcceptable
    }
    w.Header().Set("Content-Type", c.ContentType())
    w.WriteHeader(code)
    _, _ = w.Write(b)
}

func (s *Service) replyErr(w http.ResponseWriter, r *http.Request, err error) {
    code := http.StatusInternalServerError
    switch {
    case errors.Is(err, sdk.ErrNodeClosed):
        code = http.StatusServiceUnavailable
    case sdk.CodeOf(err) == sdk.ResultErrorNetworkNotFound:
        code = http.StatusNotFound
    case sdk.CodeOf(err) == sdk.ResultErrorBadParameter:
        code = http.StatusBadRequest
    }
    s.reply(w, r, code, apiError{Error: err.Error()})
}

func (s *Service) badRequest(w http.ResponseWriter, r *http.Request, err error) {
    s.reply(w, r, http.StatusBadRequest, apiError{Error: err.Error()})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
    st, err := s.Status()
    if err != nil {
        s.replyErr(w, r, err)
        return
    }
    s.reply(w, r, http.StatusOK, st)
}

func (s *Service) handleNetworks(w http.ResponseWriter, r *http.Request) {
    cfgs, err := s.node.Networks()
    if err != nil {
        s.replyErr(w, r, err)
        return
    }
    out := make([]NetworkStatus, 0, len(cfgs))
    for _, c := range cfgs {
        out = append(out, s.networkStatus(&c))
    }
    s.reply(w, r, http.StatusOK, out)
}

func (s *Service) handleNetwork(w http.ResponseWriter, r *http.Request) {
    nwid, err := sdk.ParseNetworkID(r.PathValue("nwid"))
    if err != nil {
        s.badRequest(w, r, err)
        return
    }
    cfg, err := s.node.NetworkConfig(nwid)
    if err != nil {
        s.replyErr(w, r, err)
        return
    }
    s.reply(w, r, http.StatusOK, s.networkStatus(cfg))
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
    nwid, err := sdk.ParseNetworkID(r.PathValue("nwid"))
    if err != nil {
        s.badRequest(w, r, err)
        return
    }
    if err := s.Join(nwid); err != nil {
        s.replyErr(w, r, err)
        return
    }
    s.log.Info("network joined through control API", zap.Stringer("nwid", nwid))
    n := NetworkStatus{NetworkID: nwid, Status: sdk.NetworkStatusRequestingConfiguration}
    if cfg, err := s.node.NetworkConfig(nwid); err == nil {
        n = s.networkStatus(cfg)
    }
    s.reply(w, r, http.StatusOK, n)
}

func (s *Service) handleLeave(w http.ResponseWriter, r *http.Request) {
    nwid, err := sdk.ParseNetworkID(r.PathValue("nwid"))
    if err != nil {
        s.badRequest(w, r, err)
        return
    }
    if err := s.Leave(nwid); err != nil {
        s.replyErr(w, r, err)
        return
    }
    s.log.Info("network left through control API", zap.Stringer("nwid", nwid))
    s.reply(w, r, http.StatusOK, apiResult{Result: true})
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
    peers, err := s.node.Peers()
    if err != nil {
        s.replyErr(w, r, err)
        return
    }
    out := make([]PeerStatus, 0, len(peers))
    for _, p := range peers {
        out = append(out, peerStatus(p))
    }
    s.reply(w, r, http.StatusOK, out)
}

func (s *Service) handlePeer(w http.ResponseWriter, r *http.Request) {
    addr, err := sdk.ParseAddress(r.PathValue("address"))
    if err != nil {
        s.badRequest(w, r, err)
        return
    }
    peers, err := s.node.Peers()
    if err != nil {
        s.replyErr(w, r, err)
        return
    }
    for _, p := range peers {
        if p.Address == addr {
            s.reply(w, r, http.StatusOK, peerStatus(p))
            return
        }
    }
    s.reply(w, r, http.StatusNotFound, apiError{Error: fmt.Sprintf("peer %s not found", addr)})
}

func (s *Service) handleOrbit(w http.ResponseWriter, r *http.Request) {
    world, err := strconv.ParseUint(r.PathValue("id"), 16, 64)
    if err != nil {
        s.badRequest(w, r, fmt.Errorf("moon id: %w", err))
        return
    }
    var seed uint64
    if v := r.URL.Query().Get("seed"); v != "" {
        if seed, err = strconv.ParseUint(v, 16, 64); err != nil {
            s.badRequest(w, r, fmt.Errorf("moon seed: %w", err))
            return
        }
    }
    if err := s.Orbit(world, seed); err != nil {
        s.replyErr(w, r, err)
        return
    }
    s.reply(w, r, http.StatusOK, apiResult{Result: true})
}

func (s *Service) handleDeorbit(w http.ResponseWriter, r *http.Request) {
    world, err := strconv.ParseUint(r.PathValue("id"), 16, 64)
    if err != nil {
        s.badRequest(w, r, fmt.Errorf("moon id: %w", err))
        return
    }
    if err := s.Deorbit(world); err != nil {
        s.replyErr(w, r, err)
        return
    }
    s.reply(w, r, http.StatusOK, apiResult{Result: true})
}
