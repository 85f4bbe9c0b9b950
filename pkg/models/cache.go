package models

import "time"

// CacheEntry is one stored response, keyed by request fingerprint. Value
// holds either a single completion body or an encoded StreamRun list;
// IsStream selects the decode path.
type CacheEntry struct {
	Key        string    `json:"key"`
	RawRequest string    `json:"raw_request"`
	Value      []byte    `json:"value"`
	IsStream   bool      `json:"is_stream"`
	WrittenAt  time.Time `json:"written_at"`
}

// CredentialEndpoint maps a credential digest to its resolved upstream base
// URL. A nil BaseURL is a recorded "use the default upstream", which is not
// the same thing as no row at all.
type CredentialEndpoint struct {
	Digest    string    `json:"digest"`
	BaseURL   *string   `json:"base_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CacheStats reports the observable state of a cache store.
type CacheStats struct {
	Entries       int64     `json:"entries"`
	StreamEntries int64     `json:"stream_entries"`
	Endpoints     int64     `json:"endpoints"`
	LastWrite     time.Time `json:"last_write"`
}
