package models

/** -------------------- DTOs -------------------- */
// Track is the catalogue metadata of a piece of music.
type Track struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	Album     *string   `json:"album,omitempty"`
	Duration  float64   `json:"duration"`
	FilePath  string    `json:"file_path,omitempty"`
	CoverPath *string   `json:"cover_path,omitempty"`
	SourceURL *string   `json:"source_url,omitempty"`
	AddedAt   Timestamp `json:"added_at"`
	AddedBy   int64     `json:"added_by,omitempty"`
}

// TrackRef is the track reference carried by playback frames.
type TrackRef struct {
	ID       int64   `json:"id"`
	Title    string  `json:"title,omitempty"`
	Artist   string  `json:"artist,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Ref converts catalogue metadata into the reference sent over the channel.
func (t *Track) Ref() *TrackRef {
	if t == nil {
		return nil
	}
	return &TrackRef{ID: t.ID, Title: t.Title, Artist: t.Artist, Duration: t.Duration}
}
