package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ineyio/uploadgate"
)

// apiKeyHashLen is the number of hex characters of the key digest kept in the
// identity.
const apiKeyHashLen = 16

// IdentityFunc maps a request to the identity its quota is charged to. It
// must not read the request body. An empty identity means the request lacks
// what the mode keys on.
type IdentityFunc func(r *http.Request) uploadgate.Identity

// NewIdentityFunc returns the resolver for mode. trustProxy makes client IPs
// come from X-Forwarded-For / X-Real-IP when present.
//
// In api_key mode the key comes from the X-Api-Key header, the apikey query
// parameter, or an already parsed apikey form field. Requests without one
// resolve to the empty identity.
func NewIdentityFunc(mode uploadgate.IdentityMode, trustProxy bool) (IdentityFunc, error) {
	switch mode {
	case uploadgate.IdentityGlobal:
		return func(*http.Request) uploadgate.Identity { return uploadgate.GlobalIdentity }, nil
	case uploadgate.IdentityIP, "":
		return func(r *http.Request) uploadgate.Identity {
			return uploadgate.Identity(ClientIP(r, trustProxy))
		}, nil
	case uploadgate.IdentityAPIKey:
		return func(r *http.Request) uploadgate.Identity {
			if key := requestAPIKey(r); key != "" {
				return APIKeyIdentity(key)
			}
			return ""
		}, nil
	default:
		return nil, fmt.Errorf("uploadgate/server: unknown identity mode %q", mode)
	}
}

// APIKeyIdentity derives a storage-safe identity from an API key.
func APIKeyIdentity(key string) uploadgate.Identity {
	sum := sha256.Sum256([]byte(key))
	return uploadgate.Identity("key:" + hex.EncodeToString(sum[:])[:apiKeyHashLen])
}

func requestAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return key
	}
	if key := strings.TrimSpace(r.URL.Query().Get("apikey")); key != "" {
		return key
	}
	// r.Form is only set once the handler has parsed the body.
	return strings.TrimSpace(r.Form.Get("apikey"))
}

// ClientIP returns the caller's address. Proxy headers are only honoured when
// trustProxy is set, since clients can forge them.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
