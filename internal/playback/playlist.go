package playback

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"tavolo/internal/store"
)

// Track is one playlist entry. The media file itself lives behind URL on the
// external file service; this record only consumes the resulting location.
type Track struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	URL             string  `json:"url"`
	Filename        string  `json:"filename,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	AddedAt         int64   `json:"addedAt"`
}

// Playlist mirrors the room's track list from the store. Mutations are
// authoritative-only; every client reads.
type Playlist struct {
	path          string
	authoritative bool
	store         store.Store

	mu       sync.Mutex
	tracks   map[string]Track
	sub      store.Handle
	started  bool
	onChange func([]Track)
}

func NewPlaylist(path string, authoritative bool, st store.Store) *Playlist {
	return &Playlist{
		path:          path,
		authoritative: authoritative,
		store:         st,
		tracks:        make(map[string]Track),
	}
}

func (p *Playlist) OnChange(fn func([]Track)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Playlist) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	sub, err := p.store.Subscribe(p.path, p.handleChange)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	return nil
}

func (p *Playlist) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	sub := p.sub
	p.mu.Unlock()
	p.store.Unsubscribe(sub)
}

// Add appends a track record for an already-uploaded media file and returns
// the generated track id.
func (p *Playlist) Add(ctx context.Context, title, url, filename string, durationSeconds float64) (string, error) {
	if !p.authoritative {
		return "", ErrNotAuthoritative
	}
	key, err := p.store.Push(ctx, p.path, map[string]any{
		"title":           title,
		"url":             url,
		"filename":        filename,
		"durationSeconds": durationSeconds,
		"addedAt":         p.store.ServerTimestamp(),
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes a track record. The underlying file belongs to the external
// file service and is not this component's concern.
func (p *Playlist) Delete(ctx context.Context, trackID string) error {
	if !p.authoritative {
		return ErrNotAuthoritative
	}
	return p.store.Remove(ctx, store.JoinPath(p.path, trackID))
}

// Get resolves a track id against the mirror.
func (p *Playlist) Get(trackID string) (Track, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	track, ok := p.tracks[trackID]
	return track, ok
}

// Tracks returns the playlist ordered by when each track was added.
func (p *Playlist) Tracks() []Track {
	p.mu.Lock()
	tracks := make([]Track, 0, len(p.tracks))
	for _, track := range p.tracks {
		tracks = append(tracks, track)
	}
	p.mu.Unlock()

	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].AddedAt != tracks[j].AddedAt {
			return tracks[i].AddedAt < tracks[j].AddedAt
		}
		return tracks[i].ID < tracks[j].ID
	})
	return tracks
}

func (p *Playlist) handleChange(change store.Change) {
	tracks := make(map[string]Track)
	if records, ok := change.Value.(map[string]any); ok {
		for id, raw := range records {
			track, err := decodeTrack(raw)
			if err != nil {
				continue
			}
			track.ID = id
			tracks[id] = track
		}
	}

	p.mu.Lock()
	p.tracks = tracks
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(p.Tracks())
	}
}

func decodeTrack(raw any) (Track, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Track{}, err
	}
	var track Track
	if err := json.Unmarshal(data, &track); err != nil {
		return Track{}, err
	}
	return track, nil
}
