package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
)

const (
	headerAccount   = "X-DCA-Account"
	headerTimestamp = "X-DCA-Timestamp"
	headerSignature = "X-DCA-Signature"
)

type callerKey struct{}

// CallerFromContext returns the verified account of a signed request.
func CallerFromContext(ctx context.Context) (solana.PublicKey, bool) {
	pk, ok := ctx.Value(callerKey{}).(solana.PublicKey)
	return pk, ok
}

// SignedMessage is the text a caller signs: method, path, unix timestamp and the hex
// sha256 of the body, joined with colons after a "dca" prefix.
func SignedMessage(method, path string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("dca:%s:%s:%d:%s", method, path, timestamp, hex.EncodeToString(sum[:]))
}

// SignRequest sets the auth headers on req for key. The body must already be attached.
func SignRequest(req *http.Request, key ed25519.PrivateKey, now time.Time) error {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	ts := now.Unix()
	sig := ed25519.Sign(key, []byte(SignedMessage(req.Method, req.URL.Path, ts, body)))
	req.Header.Set(headerAccount, base58.Encode(key.Public().(ed25519.PublicKey)))
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}

func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := r.Header.Get(headerAccount)
		tsHeader := r.Header.Get(headerTimestamp)
		signature := r.Header.Get(headerSignature)
		if account == "" || tsHeader == "" || signature == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing signature headers")
			return
		}

		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid timestamp")
			return
		}
		now := s.cfg.Clock.Now()
		if skew := now.Sub(time.Unix(ts, 0)); skew > s.cfg.MaxSkew || skew < -s.cfg.MaxSkew {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "timestamp outside allowed window")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		message := SignedMessage(r.Method, r.URL.Path, ts, body)
		caller, err := verifyCaller(account, signature, []byte(message))
		if err != nil {
			s.log.Debug("server: signature rejected", "account", account, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid signature")
			return
		}
		if !s.replay.remember(caller.String() + "|" + message) {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "signature already used")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		if err := s.cfg.Service.Authorize(caller); err != nil {
			s.writeErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errSignatureMismatch = errors.New("signature does not match account")

// signatureEncodings are tried in order; wallets differ in padding and alphabet.
var signatureEncodings = []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding}

// verifyCaller checks that signature is account's signature over message and returns the
// account key.
func verifyCaller(account, signature string, message []byte) (solana.PublicKey, error) {
	caller, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to decode account: %w", err)
	}

	var raw []byte
	for _, enc := range signatureEncodings {
		if raw, err = enc.DecodeString(signature); err == nil {
			break
		}
	}
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(raw) != solana.SignatureLength {
		return solana.PublicKey{}, fmt.Errorf("invalid signature size: expected %d, got %d", solana.SignatureLength, len(raw))
	}

	var sig solana.Signature
	copy(sig[:], raw)
	if !sig.Verify(caller, message) {
		return solana.PublicKey{}, errSignatureMismatch
	}
	return caller, nil
}

// replayGuard remembers accepted signed messages until they could no longer pass the skew
// check. Expired entries are swept at most once per ttl.
type replayGuard struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	ttl       time.Duration
	seen      map[string]time.Time
	lastSweep time.Time
}

func newReplayGuard(clock clockwork.Clock, ttl time.Duration) *replayGuard {
	return &replayGuard{clock: clock, ttl: ttl, seen: make(map[string]time.Time), lastSweep: clock.Now()}
}

// remember records key and reports whether it was new.
func (g *replayGuard) remember(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.sweepLocked(now)
	if exp, ok := g.seen[key]; ok && !now.After(exp) {
		return false
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}

func (g *replayGuard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.ttl {
		return
	}
	for k, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, k)
		}
	}
	g.lastSweep = now
}

func (g *replayGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
