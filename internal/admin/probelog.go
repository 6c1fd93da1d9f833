package admin

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goodtune/quotawatch/internal/scrape"
)

const defaultProbeLogSize = 50

// ProbeRecord is one captured acquisition transcript, stored with control
// sequences stripped so it reads as plain text.
type ProbeRecord struct {
	ID            int       `json:"id"`
	CredentialDir string    `json:"credential_dir"`
	CapturedAt    time.Time `json:"captured_at"`
	Size          int       `json:"size"`
	Transcript    string    `json:"transcript,omitempty"`
}

// ProbeLog keeps the most recent terminal transcripts for debugging failed
// acquisitions.
type ProbeLog struct {
	mu    sync.Mutex
	seq   int
	cache *lru.Cache[int, ProbeRecord]
}

// NewProbeLog creates a transcript log holding at most size records.
func NewProbeLog(size int) *ProbeLog {
	if size <= 0 {
		size = defaultProbeLogSize
	}
	cache, _ := lru.New[int, ProbeRecord](size)
	return &ProbeLog{cache: cache}
}

// Record stores a transcript. The signature matches the terminal engine's
// transcript sink.
func (l *ProbeLog) Record(credentialDir string, transcript []byte) {
	l.mu.Lock()
	l.seq++
	id := l.seq
	l.mu.Unlock()

	l.cache.Add(id, ProbeRecord{
		ID:            id,
		CredentialDir: credentialDir,
		CapturedAt:    time.Now().UTC(),
		Size:          len(transcript),
		Transcript:    string(scrape.Clean(transcript)),
	})
}

// List returns record summaries oldest first, transcripts omitted.
func (l *ProbeLog) List() []ProbeRecord {
	keys := l.cache.Keys()
	out := make([]ProbeRecord, 0, len(keys))
	for _, k := range keys {
		if rec, ok := l.cache.Peek(k); ok {
			rec.Transcript = ""
			out = append(out, rec)
		}
	}
	return out
}

// Get returns one record including its transcript.
func (l *ProbeLog) Get(id int) (ProbeRecord, bool) {
	return l.cache.Peek(id)
}

// Len returns the number of stored records.
func (l *ProbeLog) Len() int {
	return l.cache.Len()
}
