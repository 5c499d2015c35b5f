package server

import (
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// hostPolicy decides which Host and Origin values the API answers. Loopback
// names are always allowed; so are the listen host and any extra names.
// A wildcard listen address with auth configured accepts any host, since
// every request must then carry credentials anyway.
type hostPolicy struct {
	names   map[string]bool
	anyHost bool
}

func newHostPolicy(listen string, extra []string, authed bool) hostPolicy {
	p := hostPolicy{names: map[string]bool{}}
	host := listen
	if h, _, err := net.SplitHostPort(listen); err == nil {
		host = h
	}
	host = normalizeHost(host)
	if host != "" {
		p.names[host] = true
	}
	if authed && isWildcardHost(host) {
		p.anyHost = true
	}
	for _, h := range extra {
		if h = normalizeHost(h); h != "" {
			p.names[h] = true
		}
	}
	return p
}

func (p hostPolicy) allows(hostport string) bool {
	return p.anyHost || p.named(hostport)
}

// named ignores anyHost: an Origin must still be one of ours.
func (p hostPolicy) named(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	return IsLoopbackHost(host) || p.names[host]
}

func normalizeHost(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	return strings.TrimSuffix(h, ".")
}

func isWildcardHost(h string) bool {
	if h == "" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsUnspecified()
}

// IsLoopbackHost reports whether h names this machine's loopback interface.
func IsLoopbackHost(h string) bool {
	h = normalizeHost(h)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// guard rejects requests a browser could forge against a local daemon:
// foreign Host headers (DNS rebinding), cross-site Origins, and mutating
// requests whose body is not declared as JSON.
func (r *Router) guard() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := c.Request
		if !r.hosts.allows(req.Host) {
			r.log.Warn("request rejected", "reason", "host", "host", req.Host, "path", req.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, errorResp{Error: "host not allowed"})
			return
		}
		if o := req.Header.Get("Origin"); o != "" && !r.originAllowed(o, req.Host) {
			r.log.Warn("request rejected", "reason", "origin", "origin", o, "path", req.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, errorResp{Error: "origin not allowed"})
			return
		}
		if req.Header.Get("Sec-Fetch-Site") == "cross-site" {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResp{Error: "cross-site request"})
			return
		}
		if mutating(req.Method) && !isJSON(req.Header.Get("Content-Type")) {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, errorResp{Error: "content type must be application/json"})
			return
		}
		c.Next()
	}
}

// originAllowed accepts a same-origin request or one from a host the policy
// names.
func (r *Router) originAllowed(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if strings.EqualFold(u.Host, host) {
		return true
	}
	return r.hosts.named(u.Host)
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func isJSON(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	return err == nil && mt == "application/json"
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid body: " + err.Error()})
		return
	}
	tok, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		r.log.Warn("login failed", "user", req.Username)
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	r.log.Info("login", "user", req.Username)
	writeJSON(c, http.StatusOK, tok)
}
