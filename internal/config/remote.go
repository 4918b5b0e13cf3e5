package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	appLog "calmirror/internal/log"
	"calmirror/internal/store"
)

// ErrNoFeedURL is returned by Resolve when no tier names a feed.
var ErrNoFeedURL = errors.New("config: no feed URL configured")

// Tier names where a resolved setting came from.
type Tier string

const (
	TierOverride Tier = "override"
	TierRemote   Tier = "remote"
	TierEnv      Tier = "env"
	TierFile     Tier = "file"
	TierDefault  Tier = "default"
)

const (
	EnvFeedURL       = "CALMIRROR_FEED_URL"
	EnvLookaheadDays = "CALMIRROR_LOOKAHEAD_DAYS"
)

// Override carries per-call settings, from CLI flags or an API request.
// Zero values are ignored.
type Override struct {
	FeedURL       string `json:"feed_url,omitempty"`
	LookaheadDays int    `json:"lookahead_days,omitempty"`
}

// Settings is the effective run configuration.
type Settings struct {
	FeedURL       string `json:"-"`
	LookaheadDays int    `json:"lookahead_days"`
	FeedURLTier   Tier   `json:"feed_url_tier"`
	LookaheadTier Tier   `json:"lookahead_tier"`
}

// RemoteSettings is what a remote configuration source may provide. Zero
// fields are treated as absent.
type RemoteSettings struct {
	FeedURL       string
	LookaheadDays int
}

// RemoteSource looks up remote configuration. A nil result with a nil
// error means there is none.
type RemoteSource interface {
	Lookup(ctx context.Context) (*RemoteSettings, error)
}

// RecordLister is the part of store.Store that StoreSource needs.
type RecordLister interface {
	List(ctx context.Context, kind string) ([]store.Record, error)
}

// StoreSource reads the remote configuration from a store collection. The
// first record (by ID) whose status is "active" or empty wins.
type StoreSource struct {
	Store RecordLister
	Kind  string
	// Field keys; empty values select "feed-url", "lookahead-days" and
	// "status".
	FeedURLKey   string
	LookaheadKey string
	StatusKey    string
}

func (s StoreSource) Lookup(ctx context.Context) (*RemoteSettings, error) {
	records, err := s.Store.List(ctx, s.Kind)
	if err != nil {
		return nil, fmt.Errorf("config: list %s: %w", s.Kind, err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	feedKey := pick(s.FeedURLKey, "feed-url")
	lookaheadKey := pick(s.LookaheadKey, "lookahead-days")
	statusKey := pick(s.StatusKey, "status")

	for _, r := range records {
		status := strings.ToLower(strings.TrimSpace(r.Fields[statusKey]))
		if status != "" && status != "active" {
			continue
		}
		out := &RemoteSettings{FeedURL: strings.TrimSpace(r.Fields[feedKey])}
		if v := strings.TrimSpace(r.Fields[lookaheadKey]); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				appLog.Warn("config: ignoring invalid remote lookahead", "record", r.ID, "value", v)
			} else {
				out.LookaheadDays = n
			}
		}
		return out, nil
	}
	return nil, nil
}

func pick(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Resolve applies the precedence override > remote > environment > file >
// built-in default to the feed URL and the lookahead, independently. A
// failing remote source is logged and skipped.
func Resolve(ctx context.Context, cfg *Config, remote RemoteSource, override Override) (Settings, error) {
	var remoteSettings RemoteSettings
	if remote != nil {
		rs, err := remote.Lookup(ctx)
		if err != nil {
			appLog.Error("config: remote lookup failed; falling back", err)
		} else if rs != nil {
			remoteSettings = *rs
		}
	}

	var fileURL string
	var fileDays int
	if cfg != nil {
		fileURL = strings.TrimSpace(cfg.Feed.URL)
		fileDays = cfg.Feed.LookaheadDays
	}

	envURL := strings.TrimSpace(os.Getenv(EnvFeedURL))
	envDays := 0
	if v := strings.TrimSpace(os.Getenv(EnvLookaheadDays)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			appLog.Warn("config: ignoring invalid "+EnvLookaheadDays, "value", v)
		} else {
			envDays = n
		}
	}

	var s Settings
	switch {
	case strings.TrimSpace(override.FeedURL) != "":
		s.FeedURL, s.FeedURLTier = strings.TrimSpace(override.FeedURL), TierOverride
	case remoteSettings.FeedURL != "":
		s.FeedURL, s.FeedURLTier = remoteSettings.FeedURL, TierRemote
	case envURL != "":
		s.FeedURL, s.FeedURLTier = envURL, TierEnv
	case fileURL != "":
		s.FeedURL, s.FeedURLTier = fileURL, TierFile
	default:
		return s, ErrNoFeedURL
	}

	switch {
	case override.LookaheadDays > 0:
		s.LookaheadDays, s.LookaheadTier = override.LookaheadDays, TierOverride
	case remoteSettings.LookaheadDays > 0:
		s.LookaheadDays, s.LookaheadTier = remoteSettings.LookaheadDays, TierRemote
	case envDays > 0:
		s.LookaheadDays, s.LookaheadTier = envDays, TierEnv
	case fileDays > 0:
		s.LookaheadDays, s.LookaheadTier = fileDays, TierFile
	default:
		s.LookaheadDays, s.LookaheadTier = DefaultLookaheadDays, TierDefault
	}
	return s, nil
}
