// Package security provides rate limiting and input validation for the
// HTTP and WebSocket surfaces.
package security

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits bounds what a single client may do.
type Limits struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxMessageSize       int64
	MaxUploadSize        int64
	MaxDocsPerHour       int
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxConnectionsPerIP:  50,
		MaxMessagesPerMinute: 600,
		MaxMessageSize:       8 << 20,  // 8MB, annotation lists carry inline images
		MaxUploadSize:        64 << 20, // 64MB
		MaxDocsPerHour:       30,
	}
}

// DocumentIDPattern validates document IDs
var DocumentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ConnectionLimiter tracks open WebSocket connections per IP
type ConnectionLimiter struct {
	max         int
	connections map[string]int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a limiter allowing max connections per IP.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:         max,
		connections: make(map[string]int),
	}
}

// Acquire records a new connection from ip if it is under the limit.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max > 0 && cl.connections[ip] >= cl.max {
		return false
	}
	cl.connections[ip]++
	return true
}

// Release removes a connection from ip
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// Count returns current connection count for ip
func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip]
}

// MessageLimiter is a per-connection token bucket. Each connection may burst
// up to the per-minute budget and then refills evenly over the minute.
type MessageLimiter struct {
	perMinute int
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
}

// NewMessageLimiter creates a limiter allowing perMinute messages per
// connection. A non-positive value disables limiting.
func NewMessageLimiter(perMinute int) *MessageLimiter {
	return &MessageLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether connectionID may send one more message now.
func (ml *MessageLimiter) Allow(connectionID string) bool {
	if ml.perMinute <= 0 {
		return true
	}
	ml.mu.Lock()
	l, ok := ml.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(ml.perMinute)), ml.perMinute)
		ml.limiters[connectionID] = l
	}
	ml.mu.Unlock()
	return l.Allow()
}

// Remove drops the bucket for connectionID
func (ml *MessageLimiter) Remove(connectionID string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.limiters, connectionID)
}

// Len returns the number of tracked connections.
func (ml *MessageLimiter) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.limiters)
}

// DocumentLimiter tracks document creation per IP over a sliding hour.
type DocumentLimiter struct {
	perHour   int
	documents map[string][]time.Time
	mu        sync.Mutex
	now       func() time.Time
}

// NewDocumentLimiter creates a limiter allowing perHour uploads of new
// documents from one IP.
func NewDocumentLimiter(perHour int) *DocumentLimiter {
	return &DocumentLimiter{
		perHour:   perHour,
		documents: make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Allow records a document creation from ip unless the hourly limit is
// reached, in which case it returns false and a reason.
func (dl *DocumentLimiter) Allow(ip string) (bool, string) {
	if dl.perHour <= 0 {
		return true, ""
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()

	hourAgo := dl.now().Add(-time.Hour)
	recent := dl.documents[ip][:0]
	for _, ts := range dl.documents[ip] {
		if ts.After(hourAgo) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= dl.perHour {
		dl.documents[ip] = recent
		return false, "Hourly document creation limit reached"
	}
	dl.documents[ip] = append(recent, dl.now())
	return true, ""
}

// SecurityManager centralizes all security components
type SecurityManager struct {
	Limits            Limits
	ConnectionLimiter *ConnectionLimiter
	MessageLimiter    *MessageLimiter
	DocumentLimiter   *DocumentLimiter
}

// NewSecurityManager creates a new security manager
func NewSecurityManager(limits Limits) *SecurityManager {
	return &SecurityManager{
		Limits:            limits,
		ConnectionLimiter: NewConnectionLimiter(limits.MaxConnectionsPerIP),
		MessageLimiter:    NewMessageLimiter(limits.MaxMessagesPerMinute),
		DocumentLimiter:   NewDocumentLimiter(limits.MaxDocsPerHour),
	}
}

// ValidateDocumentID validates document ID format
func ValidateDocumentID(docID string) (bool, string) {
	if docID == "" {
		return false, "Invalid document ID"
	}
	if len(docID) > 256 {
		return false, "Document ID too long (max 256 characters)"
	}
	if !DocumentIDPattern.MatchString(docID) {
		return false, "Document ID contains invalid characters"
	}
	return true, ""
}

// ClientIP returns the caller's address, preferring the first
// X-Forwarded-For hop when a proxy set one.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
