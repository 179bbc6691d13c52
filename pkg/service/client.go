package service

import (
    "context"
    "fmt"
    "io"
    "net"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/zerotier/ZeroTierOne/pkg/codec"
    "github.com/zerotier/ZeroTierOne/pkg/config"
    "github.com/zerotier/ZeroTierOne/pkg/sdk"
)

const maxReplySize = 16 << 20

// APIError is a non-200 reply from the control API.
type APIError struct {
    Status  int
    Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("%d %s", e.Status, e.Message) }

// Client talks to a running service's control API.
type Client struct {
    base  string
    token string
    hc    *http.Client
    codec codec.Codec
}

// NewClient returns a client for the API at addr, a host:port or a windows
// named pipe.
func NewClient(addr, token string) *Client {
    base := "http://" + addr
    if config.IsPipeName(addr) {
        base = "http://pipe"
    }
    tr := &http.Transport{
        DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) { return dialControl(ctx, addr) },
    }
    return &Client{
        base:  base,
        token: token,
        hc:    &http.Client{Transport: tr, Timeout: 30 * time.Second},
        codec: codec.JSON(),
    }
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
    req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
    if err != nil {
        return err
    }
    req.Header.Set(AuthHeader, c.token)
    req.Header.Set("Accept", c.codec.ContentType())
    resp, err := c.hc.Do(req)
    if err != nil {
        return err
    }
    defer resp.Body.Close()
    b, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
    if err != nil {
        return err
    }
    if resp.StatusCode != http.StatusOK {
        var e apiError
        if c.codec.Unmarshal(b, &e) == nil && e.Error != "" {
            return &APIError{Status: resp.StatusCode, Message: e.Error}
        }
        return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
    }
    if out == nil {
        return nil
    }
    return c.codec.Unmarshal(b, out)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
    var st Status
    err := c.do(ctx, http.MethodGet, "/status", &st)
    return st, err
}

func (c *Client) Networks(ctx context.Context) ([]NetworkStatus, error) {
    var out []NetworkStatus
    err := c.do(ctx, http.MethodGet, "/network", &out)
    return out, err
}

func (c *Client) Network(ctx context.Context, nwid sdk.NetworkID) (NetworkStatus, error) {
    var n NetworkStatus
    err := c.do(ctx, http.MethodGet, "/network/"+nwid.String(), &n)
    return n, err
}

// Join asks the service to join nwid and returns the network as it stands
// right after joining.
func (c *Client) Join(ctx context.Context, nwid sdk.NetworkID) (NetworkStatus, error) {
    var n NetworkStatus
    err := c.do(ctx, http.MethodPost, "/network/"+nwid.String(), &n)
    return n, err
}

func (c *Client) Leave(ctx context.Context, nwid sdk.NetworkID) error {
    return c.do(ctx, http.MethodDelete, "/network/"+nwid.String(), nil)
}

func (c *Client) Peers(ctx context.Context) ([]PeerStatus, error) {
    var out []PeerStatus
    err := c.do(ctx, http.MethodGet, "/peer", &out)
    return out, err
}

func (c *Client) Peer(ctx context.Context, addr sdk.Address) (PeerStatus, error) {
    var p PeerStatus
    err := c.do(ctx, http.MethodGet, "/peer/"+addr.String(), &p)
    return p, err
}

func (c *Client) Orbit(ctx context.Context, moonWorldID, moonSeed uint64) error {
    q := url.Values{"seed": {strconv.FormatUint(moonSeed, 16)}}
    return c.do(ctx, http.MethodPost, fmt.Sprintf("/moon/%016x?%s", moonWorldID, q.Encode()), nil)
}

func (c *Client) Deorbit(ctx context.Context, moonWorldID uint64) error {
    return c.do(ctx, http.MethodDelete, fmt.Sprintf("/moon/%016x", moonWorldID), nil)
}
