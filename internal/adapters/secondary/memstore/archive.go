// Package memstore keeps finished sessions in memory for a limited time so
// that status queries keep working after a session is retired.
package memstore

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
)

// Archive is a TTL cache of terminal sessions. Expired entries are hidden
// on access and removed on the next Save; no janitor goroutine runs.
type Archive struct {
	cache *cache.Cache
}

var _ ports.SessionArchive = (*Archive)(nil)

// NewArchive keeps sessions for ttl; a non-positive ttl keeps them forever.
func NewArchive(ttl time.Duration) *Archive {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Archive{cache: cache.New(ttl, 0)}
}

func (a *Archive) Save(sess *domain.RecordingSession) {
	a.cache.DeleteExpired()
	a.cache.SetDefault(sess.ID, sess.Clone())
}

func (a *Archive) Get(sessionID string) (*domain.RecordingSession, bool) {
	v, ok := a.cache.Get(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*domain.RecordingSession).Clone(), true
}

// List returns unexpired sessions, most recently started first.
func (a *Archive) List() []*domain.RecordingSession {
	items := a.cache.Items()
	out := make([]*domain.RecordingSession, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(*domain.RecordingSession).Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
