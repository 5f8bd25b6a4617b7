// Package media stores uploaded image bytes under server-generated names and
// serves them through signed, ephemeral URLs.
package media

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sweepProbability = 8 // 1-in-N writes trigger an expiry sweep

// SignedMedia describes one stored file and its access token.
type SignedMedia struct {
	Filename  string
	Path      string
	Token     string
	ExpiresAt time.Time
}

// Store persists image bytes under a media root and signs access tokens.
type Store struct {
	logger   *slog.Logger
	root     string
	secret   []byte
	ttl      time.Duration
	maxBytes int64

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a Store rooted at root, creating the directory if needed.
// An empty secret is replaced with a random per-process one, which still
// signs correctly but invalidates tokens across restarts.
func NewStore(log *slog.Logger, root string, secret []byte, ttl time.Duration, maxBytes int64) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate media secret: %w", err)
		}
	}
	return &Store{
		logger:   log.With(slog.String("component", "media")),
		root:     absRoot,
		secret:   secret,
		ttl:      ttl,
		maxBytes: maxBytes,
		now:      time.Now,
	}, nil
}

// Put stores data under a random filename and returns a signed token bound
// to the channel and an expiry.
func (s *Store) Put(channelID string, data []byte, ext string) (SignedMedia, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return SignedMedia{}, fmt.Errorf("media exceeds %d bytes", s.maxBytes)
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "png"
	}
	filename := uuid.NewString() + "." + ext
	path := filepath.Join(s.root, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SignedMedia{}, fmt.Errorf("write media file: %w", err)
	}
	expiry := s.now().Add(s.ttl)
	token := s.signToken(filename, channelID, expiry.Unix())
	s.maybeSweep()
	return SignedMedia{Filename: filename, Path: path, Token: token, ExpiresAt: expiry}, nil
}

// Resolve validates a token and returns the absolute path of the stored
// file. The HMAC is checked before any embedded field is trusted, and the
// resolved path must remain inside the media root even though filenames are
// server-generated.
func (s *Store) Resolve(token string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(token), ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed media token")
	}
	payloadBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed media token payload")
	}
	expected := s.mac(payloadBytes)
	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
		return "", fmt.Errorf("media token signature mismatch")
	}
	fields := strings.Split(string(payloadBytes), ":")
	if len(fields) != 3 {
		return "", fmt.Errorf("malformed media token payload")
	}
	filename := fields[0]
	expiry, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed media token expiry")
	}
	if s.now().Unix() > expiry {
		return "", fmt.Errorf("media token expired")
	}
	path, err := filepath.Abs(filepath.Join(s.root, filename))
	if err != nil {
		return "", fmt.Errorf("resolve media path: %w", err)
	}
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("media path escapes root")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("media file unavailable: %w", err)
	}
	return path, nil
}

func (s *Store) signToken(filename, channelID string, expiryUnix int64) string {
	payload := filename + ":" + channelID + ":" + strconv.FormatInt(expiryUnix, 10)
	return hex.EncodeToString([]byte(payload)) + "." + s.mac([]byte(payload))
}

func (s *Store) mac(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// maybeSweep removes expired files on roughly one in sweepProbability
// writes, bounding the extra latency any single Put pays.
func (s *Store) maybeSweep() {
	n, err := rand.Int(rand.Reader, big.NewInt(sweepProbability))
	if err != nil || n.Int64() != 0 {
		return
	}
	s.Sweep()
}

// Sweep deletes files older than the store TTL.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("media sweep failed", slog.Any("error", err))
		return
	}
	cutoff := s.now().Add(-s.ttl)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil {
				s.logger.Warn("media sweep remove failed", slog.String("file", entry.Name()), slog.Any("error", err))
			}
		}
	}
}
